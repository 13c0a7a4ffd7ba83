// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
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

// PKCE code verifier length bounds (RFC 7636 Section 4.1).
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// PasswordValidator verifies resource owner credentials for the
// password grant. An invalid credential pair is reported through the
// protocol error, not the error return.
type PasswordValidator interface {
	ValidateCredentials(ctx context.Context, username, password string) (*SubjectGrant, *protocol.Error, error)
}

// ExtensionGrantValidator handles a custom grant type. Implementations
// read their parameters from the request form and resolve a subject or
// reject the request.
type ExtensionGrantValidator interface {
	// GrantType returns the grant_type string this validator handles.
	GrantType() string

	// ValidateGrant resolves the request to a subject grant.
	ValidateGrant(ctx context.Context, client *registry.Client, req *Request) (*SubjectGrant, *protocol.Error, error)
}

// Validator validates token requests for an already authenticated
// client, dispatching on grant type.
type Validator struct {
	grants     storage.GrantStore
	scopes     *scopes.Validator
	password   PasswordValidator
	extensions map[string]ExtensionGrantValidator
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithPasswordValidator enables the password grant with the given
// resource owner validator.
func WithPasswordValidator(pv PasswordValidator) ValidatorOption {
	return func(v *Validator) {
		v.password = pv
	}
}

// WithExtensionGrant registers a custom grant validator.
func WithExtensionGrant(ev ExtensionGrantValidator) ValidatorOption {
	return func(v *Validator) {
		v.extensions[ev.GrantType()] = ev
	}
}

// NewValidator creates a token request validator.
func NewValidator(grants storage.GrantStore, scopeValidator *scopes.Validator, opts ...ValidatorOption) *Validator {
	v := &Validator{
		grants:     grants,
		scopes:     scopeValidator,
		extensions: make(map[string]ExtensionGrantValidator),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks a token request for the authenticated client.
// Expected rejections come back as a protocol error; the error return
// is reserved for infrastructure faults.
func (v *Validator) Validate(ctx context.Context, client *registry.Client, req *Request) (*ValidatedRequest, *protocol.Error, error) {
	if req.GrantType == "" {
		return nil, protocol.NewError(protocol.ErrorInvalidRequest, "grant_type is required"), nil
	}

	supported := false
	switch req.GrantType {
	case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeClientCredentials,
		protocol.GrantTypeRefreshToken:
		supported = true
	case protocol.GrantTypePassword:
		supported = v.password != nil
	default:
		_, supported = v.extensions[req.GrantType]
	}
	if !supported {
		logger.Debugw("unsupported grant_type", "grant_type", req.GrantType, "client_id", client.ID)
		return nil, protocol.NewError(protocol.ErrorUnsupportedGrantType, "grant_type is not supported"), nil
	}

	if !client.HasGrantType(req.GrantType) {
		logger.Debugw("grant_type not allowed for client", "grant_type", req.GrantType, "client_id", client.ID)
		return nil, protocol.NewError(protocol.ErrorUnauthorizedClient, "client is not allowed to use this grant type"), nil
	}

	switch req.GrantType {
	case protocol.GrantTypeAuthorizationCode:
		return v.validateAuthorizationCode(ctx, client, req)
	case protocol.GrantTypeClientCredentials:
		return v.validateClientCredentials(ctx, client, req)
	case protocol.GrantTypePassword:
		return v.validatePassword(ctx, client, req)
	case protocol.GrantTypeRefreshToken:
		return v.validateRefreshToken(ctx, client, req)
	default:
		return v.validateExtensionGrant(ctx, client, req)
	}
}

func (v *Validator) validateAuthorizationCode(ctx context.Context, client *registry.Client, req *Request) (*ValidatedRequest, *protocol.Error, error) {
	if req.Code == "" {
		return nil, protocol.NewError(protocol.ErrorInvalidRequest, "code is required"), nil
	}

	// The code is consumed before any further check so a failed
	// redemption still burns it. Two concurrent redemptions cannot both
	// get past this line.
	code, err := v.grants.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			logger.Debugw("authorization code not redeemable", "client_id", client.ID)
			return nil, protocol.NewError(protocol.ErrorInvalidGrant, "invalid authorization code"), nil
		}
		return nil, nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if code.ClientID != client.ID {
		logger.Warnw("authorization code client mismatch",
			"expected", code.ClientID, "presented", client.ID)
		return nil, protocol.NewError(protocol.ErrorInvalidGrant, "invalid authorization code"), nil
	}

	if req.RedirectURI != code.RedirectURI {
		logger.Debugw("redirect_uri mismatch on redemption", "client_id", client.ID)
		return nil, protocol.NewError(protocol.ErrorInvalidGrant, "invalid redirect_uri"), nil
	}

	if perr := verifyPKCE(code, req.CodeVerifier); perr != nil {
		return nil, perr, nil
	}

	granted, perr, err := v.scopes.Validate(ctx, client, code.Scopes)
	if err != nil {
		return nil, nil, err
	}
	if perr != nil {
		// The stored scope set was valid at authorization time, so a
		// failure here means configuration changed before redemption.
		return nil, perr, nil
	}

	return &ValidatedRequest{
		Client:                client,
		GrantType:             req.GrantType,
		Scopes:                granted,
		SubjectID:             code.SubjectID,
		SessionID:             code.SessionID,
		Nonce:                 code.Nonce,
		AuthenticationTime:    code.AuthenticationTime,
		IdentityProvider:      code.IdentityProvider,
		AuthenticationMethods: code.AuthenticationMethods,
		SubjectClaims:         code.SubjectClaims,
	}, nil, nil
}

// verifyPKCE recomputes the stored challenge from the presented
// verifier. Codes issued without a challenge must not be redeemed with
// one and vice versa.
func verifyPKCE(code *storage.AuthorizationCode, verifier string) *protocol.Error {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return protocol.NewError(protocol.ErrorInvalidGrant, "code_verifier was not expected")
		}
		return nil
	}

	if verifier == "" {
		return protocol.NewError(protocol.ErrorInvalidRequest, "code_verifier is required")
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return protocol.NewError(protocol.ErrorInvalidGrant, "invalid code_verifier")
	}

	var computed string
	switch code.CodeChallengeMethod {
	case protocol.CodeChallengeMethodPlain:
		computed = verifier
	case protocol.CodeChallengeMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return protocol.NewError(protocol.ErrorInvalidGrant, "invalid code_verifier")
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) != 1 {
		return protocol.NewError(protocol.ErrorInvalidGrant, "invalid code_verifier")
	}
	return nil
}

func (v *Validator) validateClientCredentials(ctx context.Context, client *registry.Client, req *Request) (*ValidatedRequest, *protocol.Error, error) {
	requested := scopes.Parse(req.Scope)
	if len(requested) == 0 {
		// No scope parameter means everything the client is allowed.
		requested = slices.Clone(client.AllowedScopes)
	}

	granted, perr, err := v.scopes.ValidateAllowed(ctx, client, requested)
	if err != nil {
		return nil, nil, err
	}
	if perr != nil {
		return nil, perr, nil
	}

	return &ValidatedRequest{
		Client:    client,
		GrantType: req.GrantType,
		Scopes:    granted,
	}, nil, nil
}

func (v *Validator) validatePassword(ctx context.Context, client *registry.Client, req *Request) (*ValidatedRequest, *protocol.Error, error) {
	if req.Username == "" {
		return nil, protocol.NewError(protocol.ErrorInvalidRequest, "username is required"), nil
	}

	subject, perr, err := v.password.ValidateCredentials(ctx, req.Username, req.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("resource owner validation failed: %w", err)
	}
	if perr != nil {
		logger.Debugw("resource owner credentials rejected", "client_id", client.ID, "username", req.Username)
		return nil, perr, nil
	}

	granted, perr, err := v.scopes.Validate(ctx, client, scopes.Parse(req.Scope))
	if err != nil {
		return nil, nil, err
	}
	if perr != nil {
		return nil, perr, nil
	}

	return v.fromSubjectGrant(client, req, subject, granted), nil, nil
}

func (v *Validator) validateRefreshToken(ctx context.Context, client *registry.Client, req *Request) (*ValidatedRequest, *protocol.Error, error) {
	if req.RefreshToken == "" {
		return nil, protocol.NewError(protocol.ErrorInvalidRequest, "refresh_token is required"), nil
	}

	token, err := v.grants.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			logger.Debugw("refresh token not redeemable", "client_id", client.ID)
			return nil, protocol.NewError(protocol.ErrorInvalidGrant, "invalid refresh token"), nil
		}
		return nil, nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if token.ClientID != client.ID {
		logger.Warnw("refresh token client mismatch",
			"expected", token.ClientID, "presented", client.ID)
		return nil, protocol.NewError(protocol.ErrorInvalidGrant, "invalid refresh token"), nil
	}

	// A refresh request may narrow the original grant, never widen it.
	effective := token.Scopes
	if requested := scopes.Parse(req.Scope); len(requested) > 0 {
		for _, scope := range requested {
			if !slices.Contains(token.Scopes, scope) {
				logger.Debugw("refresh requested scope outside original grant",
					"client_id", client.ID, "scope", scope)
				return nil, protocol.NewError(protocol.ErrorInvalidScope, "scope exceeds the original grant"), nil
			}
		}
		effective = requested
	}

	granted, perr, err := v.scopes.Validate(ctx, client, effective)
	if err != nil {
		return nil, nil, err
	}
	if perr != nil {
		return nil, perr, nil
	}

	return &ValidatedRequest{
		Client:                client,
		GrantType:             req.GrantType,
		Scopes:                granted,
		SubjectID:             token.SubjectID,
		SessionID:             token.SessionID,
		AuthenticationTime:    token.AuthenticationTime,
		IdentityProvider:      token.IdentityProvider,
		AuthenticationMethods: token.AuthenticationMethods,
		SubjectClaims:         token.SubjectClaims,
		RefreshTokenHandle:    req.RefreshToken,
		RefreshToken:          token,
	}, nil, nil
}

func (v *Validator) validateExtensionGrant(ctx context.Context, client *registry.Client, req *Request) (*ValidatedRequest, *protocol.Error, error) {
	ev := v.extensions[req.GrantType]

	subject, perr, err := ev.ValidateGrant(ctx, client, req)
	if err != nil {
		return nil, nil, fmt.Errorf("extension grant validation failed: %w", err)
	}
	if perr != nil {
		return nil, perr, nil
	}
	if subject == nil || subject.SubjectID == "" {
		return nil, protocol.NewError(protocol.ErrorInvalidGrant, "grant did not resolve a subject"), nil
	}

	granted, perr, err := v.scopes.Validate(ctx, client, scopes.Parse(req.Scope))
	if err != nil {
		return nil, nil, err
	}
	if perr != nil {
		return nil, perr, nil
	}

	return v.fromSubjectGrant(client, req, subject, granted), nil, nil
}

// fromSubjectGrant builds the validated request from a resolved
// subject, filling in the authentication detail the grant validator
// left out: the grant type as the amr value, the local identity
// provider, and the current time as auth_time.
func (v *Validator) fromSubjectGrant(client *registry.Client, req *Request, subject *SubjectGrant, granted *scopes.Granted) *ValidatedRequest {
	method := subject.AuthenticationMethod
	idp := subject.IdentityProvider
	authTime := subject.AuthenticationTime

	if method == "" || idp == "" || authTime.IsZero() {
		logger.Debugw("subject grant missing authentication detail, applying defaults",
			"client_id", client.ID, "grant_type", req.GrantType)
	}
	if method == "" {
		method = req.GrantType
		if req.GrantType == protocol.GrantTypePassword {
			method = "pwd"
		}
	}
	if idp == "" {
		idp = session.LocalIdentityProvider
	}
	if authTime.IsZero() {
		authTime = time.Now()
	}

	return &ValidatedRequest{
		Client:                client,
		GrantType:             req.GrantType,
		Scopes:                granted,
		SubjectID:             subject.SubjectID,
		AuthenticationTime:    authTime,
		IdentityProvider:      idp,
		AuthenticationMethods: []string{method},
		SubjectClaims:         subject.Claims,
	}
}
