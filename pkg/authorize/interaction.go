// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/storage"
)

// Interaction kinds, in the order the state machine can reach them.
const (
	// KindAllowed means the request may proceed to issuance.
	KindAllowed = "allowed"

	// KindLogin means the subject must (re)authenticate first.
	KindLogin = "login"

	// KindConsent means the subject must be shown the consent screen.
	KindConsent = "consent"

	// KindCustomRedirect sends the subject to a deployment-specific page.
	KindCustomRedirect = "custom_redirect"

	// KindError terminates the request with a protocol error.
	KindError = "error"
)

// Interaction is the state machine's verdict for a validated request.
type Interaction struct {
	Kind string

	// Err is set for KindError.
	Err *protocol.Error

	// RedirectURL is set for KindCustomRedirect.
	RedirectURL string
}

// ConsentPolicy decides whether the consent screen must be shown for a
// (subject, client, scopes) triple. Implementations consult remembered
// consent where the client allows it.
type ConsentPolicy interface {
	RequiresConsent(ctx context.Context, subject *session.Subject, client *registry.Client, granted *scopes.Granted) (bool, error)
}

// Customizer lets a deployment inject an extra interaction step, for
// example an EULA or a step-up page. Returning an empty URL means no
// custom interaction is needed.
type Customizer interface {
	CustomRedirect(ctx context.Context, req *ValidatedRequest, subject *session.Subject) (string, error)
}

// InteractionGenerator evaluates the ordered interaction rules for a
// validated authorization request against the current session.
type InteractionGenerator struct {
	policy     ConsentPolicy
	customizer Customizer
}

// GeneratorOption configures an InteractionGenerator.
type GeneratorOption func(*InteractionGenerator)

// WithCustomizer installs a custom interaction step.
func WithCustomizer(c Customizer) GeneratorOption {
	return func(g *InteractionGenerator) {
		g.customizer = c
	}
}

// NewInteractionGenerator creates a generator using the given consent
// policy.
func NewInteractionGenerator(policy ConsentPolicy, opts ...GeneratorOption) *InteractionGenerator {
	g := &InteractionGenerator{policy: policy}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Process runs the interaction rules in order and returns the first
// verdict that applies. The rules are deterministic: the same session
// state, client configuration, and prompt values always produce the
// same verdict.
func (g *InteractionGenerator) Process(ctx context.Context, req *ValidatedRequest, subject *session.Subject) (*Interaction, error) {
	promptNone := req.HasPrompt(protocol.PromptNone)

	// needsLogin maps a login requirement to the right verdict: under
	// prompt=none the request fails instead of bouncing to login.
	needsLogin := func(reason string) *Interaction {
		logger.Debugw("authorization requires login", "client_id", req.Client.ID, "reason", reason)
		if promptNone {
			return &Interaction{
				Kind: KindError,
				Err:  protocol.NewError(protocol.ErrorLoginRequired, "authentication is required"),
			}
		}
		return &Interaction{Kind: KindLogin}
	}

	if !subject.IsAuthenticated() {
		return needsLogin("no authenticated subject"), nil
	}

	if req.HasPrompt(protocol.PromptLogin) || req.HasPrompt(protocol.PromptSelectAccount) {
		return needsLogin("login prompt requested"), nil
	}

	if !req.Client.AllowsIdentityProvider(subject.IdentityProvider) {
		return needsLogin("identity provider not allowed for client"), nil
	}
	if req.IdP != "" && req.IdP != subject.IdentityProvider {
		return needsLogin("different identity provider requested"), nil
	}

	// Both age rules evaluate against the same instant.
	now := time.Now()
	if req.MaxAge != nil && subject.AuthenticationAge(now) > *req.MaxAge {
		return needsLogin("max_age exceeded"), nil
	}

	if req.Client.UserSSOLifetime > 0 && subject.AuthenticationAge(now) > req.Client.UserSSOLifetime {
		return needsLogin("sso lifetime exceeded"), nil
	}

	if !req.Client.EnableLocalLogin && subject.IsLocal() {
		return needsLogin("local login disabled for client"), nil
	}

	if g.customizer != nil {
		redirect, err := g.customizer.CustomRedirect(ctx, req, subject)
		if err != nil {
			return nil, fmt.Errorf("custom interaction check failed: %w", err)
		}
		if redirect != "" {
			return &Interaction{Kind: KindCustomRedirect, RedirectURL: redirect}, nil
		}
	}

	required, err := g.policy.RequiresConsent(ctx, subject, req.Client, req.Scopes)
	if err != nil {
		return nil, fmt.Errorf("consent policy check failed: %w", err)
	}
	if required || req.HasPrompt(protocol.PromptConsent) {
		logger.Debugw("authorization requires consent", "client_id", req.Client.ID, "subject", subject.ID)
		if promptNone {
			return &Interaction{
				Kind: KindError,
				Err:  protocol.NewError(protocol.ErrorConsentRequired, "consent is required"),
			}, nil
		}
		return &Interaction{Kind: KindConsent}, nil
	}

	return &Interaction{Kind: KindAllowed}, nil
}

// StoredConsentPolicy requires consent per the client configuration and
// treats a remembered consent record covering every requested scope as
// already given.
type StoredConsentPolicy struct {
	consents storage.ConsentStore
}

// NewStoredConsentPolicy creates the default consent policy backed by
// the consent store.
func NewStoredConsentPolicy(consents storage.ConsentStore) *StoredConsentPolicy {
	return &StoredConsentPolicy{consents: consents}
}

// RequiresConsent implements ConsentPolicy.
func (p *StoredConsentPolicy) RequiresConsent(ctx context.Context, subject *session.Subject, client *registry.Client, granted *scopes.Granted) (bool, error) {
	if !client.RequireConsent {
		return false, nil
	}
	if !client.AllowRememberConsent {
		return true, nil
	}

	consent, err := p.consents.GetConsent(ctx, subject.ID, client.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("consent lookup failed: %w", err)
	}

	for _, scope := range granted.Scopes {
		if !slices.Contains(consent.Scopes, scope) {
			return true, nil
		}
	}
	return false, nil
}

// Compile-time interface check.
var _ ConsentPolicy = (*StoredConsentPolicy)(nil)
