// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/scopes"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/storage"
)

// ConsentResponse is the subject's decision from the consent screen.
type ConsentResponse struct {
	// Granted is false when the subject denied the request.
	Granted bool

	// Scopes are the scope names the subject consented to. Scopes that
	// were never requested are ignored.
	Scopes []string

	// Remember persists the decision for future requests.
	Remember bool
}

// ConsentProcessor applies a consent decision to a validated request.
type ConsentProcessor struct {
	consents storage.ConsentStore
	scopes   *scopes.Validator
}

// NewConsentProcessor creates a consent processor.
func NewConsentProcessor(consents storage.ConsentStore, scopeValidator *scopes.Validator) *ConsentProcessor {
	return &ConsentProcessor{
		consents: consents,
		scopes:   scopeValidator,
	}
}

// Process validates a consent decision and returns the effective scope
// grant the request proceeds with. Denial, or consent missing a scope
// the configuration marks required, is access_denied. A remembered
// decision stores only the consented scopes that were actually
// requested; remember=false leaves any prior record untouched.
func (p *ConsentProcessor) Process(ctx context.Context, req *ValidatedRequest, subject *session.Subject, response *ConsentResponse) (*scopes.Granted, *protocol.Error, error) {
	if !response.Granted {
		logger.Debugw("consent denied", "client_id", req.Client.ID, "subject", subject.ID)
		return nil, protocol.NewError(protocol.ErrorAccessDenied, "the subject denied the request"), nil
	}

	consented := make([]string, 0, len(response.Scopes))
	for _, scope := range response.Scopes {
		if slices.Contains(req.Scopes.Scopes, scope) {
			consented = append(consented, scope)
		}
	}
	if len(consented) == 0 {
		return nil, protocol.NewError(protocol.ErrorAccessDenied, "no scopes were consented to"), nil
	}

	if missing := p.missingRequiredScope(req, consented); missing != "" {
		logger.Debugw("consent missing required scope",
			"client_id", req.Client.ID, "subject", subject.ID, "scope", missing)
		return nil, protocol.NewError(protocol.ErrorAccessDenied, "a required scope was not consented to"), nil
	}

	granted, perr, err := p.scopes.Validate(ctx, req.Client, consented)
	if err != nil {
		return nil, nil, err
	}
	if perr != nil {
		// The consented scopes are a subset of an already validated
		// request, so a rejection here means the configuration changed
		// mid-flight.
		return nil, perr, nil
	}

	if response.Remember && req.Client.AllowRememberConsent {
		err := p.consents.SaveConsent(ctx, &storage.Consent{
			SubjectID:    subject.ID,
			ClientID:     req.Client.ID,
			Scopes:       granted.Scopes,
			CreationTime: time.Now(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to persist consent: %w", err)
		}
	}

	return granted, nil, nil
}

// missingRequiredScope returns the first requested scope marked
// required by the resource configuration that the subject did not
// consent to, or empty when all required scopes are covered.
func (p *ConsentProcessor) missingRequiredScope(req *ValidatedRequest, consented []string) string {
	for _, id := range req.Scopes.Resources.Identity {
		if id.Required && !slices.Contains(consented, id.Name) {
			return id.Name
		}
	}
	for _, api := range req.Scopes.Resources.APIs {
		for _, scope := range api.Scopes {
			if scope.Required && !slices.Contains(consented, scope.Name) {
				return scope.Name
			}
		}
	}
	return ""
}
