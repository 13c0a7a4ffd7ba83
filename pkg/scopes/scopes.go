// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scopes validates requested scopes against the client and the
// resource registry, partitioning them into identity resources and API
// resource scopes. The authorize and token validators both run through
// this package so scope semantics stay in one place.
package scopes

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
)

// maxScopeLength bounds the raw scope parameter before any parsing.
const maxScopeLength = 300

// Parse splits a space-delimited scope parameter into a deduplicated
// list, preserving first-seen order.
func Parse(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// Granted is the outcome of scope validation: the effective scope set
// and the resources it resolved to.
type Granted struct {
	// Scopes is the effective granted scope list, including
	// offline_access when it was requested and permitted.
	Scopes []string

	// Resources holds the identity resources and API resources (trimmed
	// to the matched scopes) the request resolved to.
	Resources *registry.Resources

	// OfflineAccess reports whether offline_access was granted.
	OfflineAccess bool
}

// ContainsOpenID reports whether the granted set includes the openid scope.
func (g *Granted) ContainsOpenID() bool {
	return slices.Contains(g.Scopes, protocol.ScopeOpenID)
}

// IdentityScopeNames returns the granted scopes that resolved to
// identity resources.
func (g *Granted) IdentityScopeNames() []string {
	names := make([]string, 0, len(g.Resources.Identity))
	for _, id := range g.Resources.Identity {
		names = append(names, id.Name)
	}
	return names
}

// APIScopeNames returns the granted scopes that resolved to API
// resource scopes.
func (g *Granted) APIScopeNames() []string {
	var names []string
	for _, api := range g.Resources.APIs {
		for _, scope := range api.Scopes {
			if !slices.Contains(names, scope.Name) {
				names = append(names, scope.Name)
			}
		}
	}
	return names
}

// Audiences returns the names of the API resources the granted scopes
// belong to, issued as the access token audience.
func (g *Granted) Audiences() []string {
	names := make([]string, 0, len(g.Resources.APIs))
	for _, api := range g.Resources.APIs {
		names = append(names, api.Name)
	}
	return names
}

// Validator resolves scope names through the resource registry.
type Validator struct {
	resources registry.ResourceStore
}

// NewValidator creates a scope validator backed by the given store.
func NewValidator(resources registry.ResourceStore) *Validator {
	return &Validator{resources: resources}
}

// Validate performs full request validation of the given scope list for
// the client: the offline_access split, the client allowed-scope check,
// and registry resolution. A scope that resolves to nothing, or to a
// disabled resource, fails the whole validation. offline_access is the
// one exception: when the client does not allow it, the scope is
// dropped without failing.
func (v *Validator) Validate(ctx context.Context, client *registry.Client, requested []string) (*Granted, *protocol.Error, error) {
	if len(requested) == 0 {
		return nil, protocol.NewError(protocol.ErrorInvalidScope, "scope is required"), nil
	}
	if perr := checkLength(requested); perr != nil {
		return nil, perr, nil
	}

	granted := &Granted{}
	var resolve []string
	for _, scope := range requested {
		if scope == protocol.ScopeOfflineAccess {
			if client.AllowOfflineAccess {
				granted.OfflineAccess = true
			} else {
				logger.Debugw("dropping offline_access for client without offline access",
					"client_id", client.ID)
			}
			continue
		}
		resolve = append(resolve, scope)
	}

	if len(resolve) == 0 {
		return nil, protocol.NewError(protocol.ErrorInvalidScope, "scope is required"), nil
	}

	for _, scope := range resolve {
		if !client.AllowsScope(scope) {
			logger.Debugw("scope not allowed for client", "client_id", client.ID, "scope", scope)
			return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "scope %q is not allowed", scope), nil
		}
	}

	resources, err := v.resources.FindResourcesByScope(ctx, resolve)
	if err != nil {
		return nil, nil, fmt.Errorf("scope resolution failed: %w", err)
	}

	for _, scope := range resolve {
		identity, isIdentity := resources.FindIdentity(scope)
		api, apiScope, isAPI := resources.FindAPIScope(scope)
		switch {
		case isIdentity:
			if !identity.Enabled {
				return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "scope %q is not available", scope), nil
			}
		case isAPI:
			if !api.Enabled || !apiScope.Enabled {
				return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "scope %q is not available", scope), nil
			}
		default:
			return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "unknown scope %q", scope), nil
		}
	}

	granted.Scopes = resolve
	if granted.OfflineAccess {
		granted.Scopes = append(granted.Scopes, protocol.ScopeOfflineAccess)
	}
	granted.Resources = resources
	return granted, nil, nil
}

// ValidateAllowed performs the allowed-check variant used by the
// client_credentials grant: every scope must be in the client's allowed
// list and resolve to an enabled API resource scope. Identity scopes
// and offline_access are rejected because there is no subject.
func (v *Validator) ValidateAllowed(ctx context.Context, client *registry.Client, requested []string) (*Granted, *protocol.Error, error) {
	if len(requested) == 0 {
		return nil, protocol.NewError(protocol.ErrorInvalidScope, "scope is required"), nil
	}
	if perr := checkLength(requested); perr != nil {
		return nil, perr, nil
	}

	for _, scope := range requested {
		if scope == protocol.ScopeOfflineAccess {
			return nil, protocol.NewError(protocol.ErrorInvalidScope, "offline_access is not valid for this grant type"), nil
		}
		if !client.AllowsScope(scope) {
			logger.Debugw("scope not allowed for client", "client_id", client.ID, "scope", scope)
			return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "scope %q is not allowed", scope), nil
		}
	}

	resources, err := v.resources.FindResourcesByScope(ctx, requested)
	if err != nil {
		return nil, nil, fmt.Errorf("scope resolution failed: %w", err)
	}

	for _, scope := range requested {
		if _, ok := resources.FindIdentity(scope); ok {
			return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "scope %q requires a subject", scope), nil
		}
		api, apiScope, ok := resources.FindAPIScope(scope)
		if !ok {
			return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "unknown scope %q", scope), nil
		}
		if !api.Enabled || !apiScope.Enabled {
			return nil, protocol.NewErrorf(protocol.ErrorInvalidScope, "scope %q is not available", scope), nil
		}
	}

	return &Granted{Scopes: requested, Resources: resources}, nil, nil
}

func checkLength(requested []string) *protocol.Error {
	total := 0
	for _, s := range requested {
		total += len(s) + 1
	}
	if total > maxScopeLength {
		return protocol.NewError(protocol.ErrorInvalidScope, "scope parameter exceeds length limit")
	}
	return nil
}
