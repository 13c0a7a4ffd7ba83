// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/storage"
)

// errInvalidClient is the single protocol error every authentication
// failure maps to. The real cause is logged, never returned, so the
// response does not reveal whether the client exists, is disabled, or
// presented a wrong credential.
func errInvalidClient() *protocol.Error {
	return protocol.NewError(protocol.ErrorInvalidClient, "client authentication failed")
}

// ClientAuthenticator runs the parser chain over a request and
// validates the extracted credential against the registered client.
type ClientAuthenticator struct {
	clients    registry.ClientStore
	parsers    []Parser
	validators map[string]Validator
}

// NewClientAuthenticator wires the default parser chain and validators.
// audience is the value signed client assertions must be addressed to,
// typically the issuer identifier.
func NewClientAuthenticator(clients registry.ClientStore, replay storage.ReplayStore, audience string) *ClientAuthenticator {
	return &ClientAuthenticator{
		clients: clients,
		// Parser priority is fixed: header credentials win over body
		// credentials, assertions and certificates over both.
		parsers: []Parser{
			JWTBearerParser{},
			MutualTLSParser{},
			BasicAuthParser{},
			PostBodyParser{},
		},
		validators: map[string]Validator{
			ParsedTypeSharedSecret: SharedSecretValidator{},
			ParsedTypeCertificate:  CertificateValidator{},
			ParsedTypeJWTBearer:    NewPrivateKeyJWTValidator(replay, audience),
		},
	}
}

// Authenticate resolves and authenticates the client behind the
// request. Expected failures are returned as an invalid_client protocol
// error; the error return is reserved for infrastructure faults.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*registry.Client, *protocol.Error, error) {
	parsed, err := a.parseCredential(r)
	if err != nil {
		logger.Debugw("failed to parse client credential", "error", err)
		return nil, errInvalidClient(), nil
	}
	if parsed == nil {
		logger.Debugw("request carries no client credential")
		return nil, errInvalidClient(), nil
	}

	client, err := a.clients.FindClientByID(ctx, parsed.ID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			logger.Debugw("unknown client", "client_id", parsed.ID)
			return nil, errInvalidClient(), nil
		}
		return nil, nil, fmt.Errorf("client lookup failed: %w", err)
	}
	if !client.Enabled {
		logger.Warnw("disabled client attempted authentication", "client_id", client.ID)
		return nil, errInvalidClient(), nil
	}

	if !client.RequireSecret {
		return client, nil, nil
	}

	if parsed.Type == ParsedTypeNone {
		logger.Debugw("confidential client sent no credential", "client_id", client.ID)
		return nil, errInvalidClient(), nil
	}

	validator, ok := a.validators[parsed.Type]
	if !ok {
		logger.Debugw("no validator for credential type", "client_id", client.ID, "type", parsed.Type)
		return nil, errInvalidClient(), nil
	}

	valid, err := validator.Validate(ctx, client, parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("credential validation failed: %w", err)
	}
	if !valid {
		logger.Debugw("client credential rejected", "client_id", client.ID, "type", parsed.Type)
		return nil, errInvalidClient(), nil
	}

	return client, nil, nil
}

// parseCredential runs the parser chain and returns the first
// credential found. A request that carries credentials in more than one
// style is rejected outright (RFC 6749 Section 2.3 allows exactly one).
func (a *ClientAuthenticator) parseCredential(r *http.Request) (*ParsedSecret, error) {
	var found *ParsedSecret
	for _, parser := range a.parsers {
		parsed, err := parser.Parse(r)
		if err != nil {
			return nil, err
		}
		if parsed == nil {
			continue
		}
		if found != nil {
			// A bare client_id in the body alongside a stronger
			// credential is identification, not a second credential.
			if parsed.Type == ParsedTypeNone && parsed.ID == found.ID {
				continue
			}
			return nil, fmt.Errorf("multiple client credentials presented")
		}
		found = parsed
	}
	return found, nil
}
