// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
)

// PKCE code verifier and challenge length bounds (RFC 7636 Section 4.1).
const (
	minChallengeLength = 43
	maxChallengeLength = 128
)

// Failure is a rejected authorization request. SafeRedirect reports
// whether the client and redirect_uri were validated before the failure:
// only then may the error be delivered via redirect. Failures before
// that point must be rendered as an error page, never redirected, so an
// attacker cannot bounce errors off an unverified target.
type Failure struct {
	Err *protocol.Error

	SafeRedirect bool

	// ResponseMode, RedirectURI, and State drive the redirect encoding
	// when SafeRedirect is true.
	ResponseMode string
	RedirectURI  string
	State        string
}

// Validator checks authorization requests against the client registry
// and scope configuration.
type Validator struct {
	clients registry.ClientStore
	scopes  *scopes.Validator
}

// NewValidator creates an authorization request validator.
func NewValidator(clients registry.ClientStore, scopeValidator *scopes.Validator) *Validator {
	return &Validator{
		clients: clients,
		scopes:  scopeValidator,
	}
}

// Validate runs the ordered protocol checks over a raw request,
// short-circuiting on the first failure. Expected rejections come back
// as a *Failure; the error return is reserved for infrastructure
// faults.
func (v *Validator) Validate(ctx context.Context, req *Request) (*ValidatedRequest, *Failure, error) {
	// Until the redirect URI is validated, every failure is a user
	// error rendered locally.
	fail := func(code, description string) *Failure {
		return &Failure{Err: protocol.NewError(code, description)}
	}

	grantType, ok := protocol.GrantTypeForResponseType(req.ResponseType)
	if !ok {
		logger.Debugw("unsupported response_type", "response_type", req.ResponseType, "client_id", req.ClientID)
		return nil, fail(protocol.ErrorUnsupportedResponseType, "response_type is not supported"), nil
	}

	responseMode := req.ResponseMode
	if responseMode == "" {
		responseMode = protocol.DefaultResponseMode(grantType)
	} else if !protocol.IsResponseModeAllowed(grantType, responseMode) {
		return nil, fail(protocol.ErrorInvalidRequest, "response_mode is not allowed for this response type"), nil
	}

	if req.ClientID == "" {
		return nil, fail(protocol.ErrorInvalidRequest, "client_id is required"), nil
	}
	client, err := v.clients.FindClientByID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			logger.Debugw("unknown client on authorize", "client_id", req.ClientID)
			return nil, fail(protocol.ErrorUnauthorizedClient, "unknown client"), nil
		}
		return nil, nil, fmt.Errorf("client lookup failed: %w", err)
	}
	if !client.Enabled {
		logger.Warnw("disabled client on authorize", "client_id", client.ID)
		return nil, fail(protocol.ErrorUnauthorizedClient, "unknown client"), nil
	}
	if !client.HasGrantType(grantType) {
		return nil, fail(protocol.ErrorUnauthorizedClient, "client is not allowed to use this response type"), nil
	}

	if req.RedirectURI == "" {
		return nil, fail(protocol.ErrorInvalidRequest, "redirect_uri is required"), nil
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		logger.Warnw("redirect_uri mismatch", "client_id", client.ID, "redirect_uri", req.RedirectURI)
		return nil, fail(protocol.ErrorInvalidRequest, "invalid redirect_uri"), nil
	}

	// The redirect target is trusted from here on; failures may be
	// returned to it.
	failRedirect := func(perr *protocol.Error) *Failure {
		return &Failure{
			Err:          perr,
			SafeRedirect: true,
			ResponseMode: responseMode,
			RedirectURI:  req.RedirectURI,
			State:        req.State,
		}
	}

	granted, perr, err := v.scopes.Validate(ctx, client, scopes.Parse(req.Scope))
	if err != nil {
		return nil, nil, err
	}
	if perr != nil {
		return nil, failRedirect(perr), nil
	}
	if perr := scopes.CheckResponseType(req.ResponseType, granted); perr != nil {
		return nil, failRedirect(perr), nil
	}

	challengeMethod, perr := v.validatePKCE(client, grantType, req)
	if perr != nil {
		return nil, failRedirect(perr), nil
	}

	validated := &ValidatedRequest{
		Client:              client,
		ResponseType:        req.ResponseType,
		GrantType:           grantType,
		ResponseMode:        responseMode,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Nonce:               req.Nonce,
		Scopes:              granted,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: challengeMethod,
		LoginHint:           req.LoginHint,
	}

	if validated.WantsIDToken() && req.Nonce == "" {
		return nil, failRedirect(protocol.NewError(protocol.ErrorInvalidRequest, "nonce is required for this response type")), nil
	}

	if req.MaxAge != "" {
		seconds, err := strconv.Atoi(req.MaxAge)
		if err != nil || seconds < 0 {
			return nil, failRedirect(protocol.NewError(protocol.ErrorInvalidRequest, "invalid max_age")), nil
		}
		maxAge := time.Duration(seconds) * time.Second
		validated.MaxAge = &maxAge
	}

	prompts, perr := parsePrompts(req.Prompt)
	if perr != nil {
		return nil, failRedirect(perr), nil
	}
	validated.Prompts = prompts

	validated.ACRValues, validated.IdP = splitACRValues(req.ACRValues)

	return validated, nil, nil
}

// validatePKCE checks the code challenge parameters for code-bearing
// flows and returns the effective challenge method.
func (v *Validator) validatePKCE(client *registry.Client, grantType string, req *Request) (string, *protocol.Error) {
	if grantType != protocol.GrantTypeAuthorizationCode {
		if req.CodeChallenge != "" {
			return "", protocol.NewError(protocol.ErrorInvalidRequest, "code_challenge is not valid for this response type")
		}
		return "", nil
	}

	if req.CodeChallenge == "" {
		if client.RequirePKCE {
			return "", protocol.NewError(protocol.ErrorInvalidRequest, "code_challenge is required")
		}
		if req.CodeChallengeMethod != "" {
			return "", protocol.NewError(protocol.ErrorInvalidRequest, "code_challenge_method without code_challenge")
		}
		return "", nil
	}

	if len(req.CodeChallenge) < minChallengeLength || len(req.CodeChallenge) > maxChallengeLength {
		return "", protocol.NewError(protocol.ErrorInvalidRequest, "invalid code_challenge length")
	}

	method := req.CodeChallengeMethod
	if method == "" {
		method = protocol.CodeChallengeMethodPlain
	}
	switch method {
	case protocol.CodeChallengeMethodS256:
	case protocol.CodeChallengeMethodPlain:
		if !client.AllowPlainTextPKCE {
			return "", protocol.NewError(protocol.ErrorInvalidRequest, "plain code_challenge_method is not allowed")
		}
	default:
		return "", protocol.NewError(protocol.ErrorInvalidRequest, "unsupported code_challenge_method")
	}

	return method, nil
}

// knownPrompts are the prompt values the engine understands. Unknown
// values are ignored per OIDC Core Section 3.1.2.1.
var knownPrompts = []string{
	protocol.PromptNone,
	protocol.PromptLogin,
	protocol.PromptConsent,
	protocol.PromptSelectAccount,
}

// parsePrompts splits and checks the prompt parameter. none combined
// with any other value is a contradiction and rejected outright.
func parsePrompts(raw string) ([]string, *protocol.Error) {
	parsed := scopes.Parse(raw)
	out := make([]string, 0, len(parsed))
	for _, p := range parsed {
		if slices.Contains(knownPrompts, p) {
			out = append(out, p)
		}
	}

	if slices.Contains(out, protocol.PromptNone) && len(out) > 1 {
		return nil, protocol.NewError(protocol.ErrorInvalidRequest, "prompt none cannot be combined with other values")
	}
	if slices.Contains(out, protocol.PromptConsent) &&
		(slices.Contains(out, protocol.PromptLogin) || slices.Contains(out, protocol.PromptSelectAccount)) {
		return nil, protocol.NewError(protocol.ErrorInvalidRequest, "conflicting prompt values")
	}

	return out, nil
}
