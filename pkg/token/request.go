// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token validates token requests per grant type and issues the
// resulting tokens: signed or reference access tokens, identity tokens,
// and refresh tokens.
package token

import (
	"net/url"
	"time"

	"github.com/stacklok/oidcore/pkg/claims"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
	"github.com/stacklok/oidcore/pkg/storage"
)

// Request carries the raw token request parameters as received.
type Request struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Username     string
	Password     string
	Scope        string

	// Form holds the full form body for extension grant validators that
	// read custom parameters.
	Form url.Values
}

// ParseRequest reads the token request parameters from a form body.
func ParseRequest(values url.Values) *Request {
	return &Request{
		GrantType:    values.Get("grant_type"),
		Code:         values.Get("code"),
		RedirectURI:  values.Get("redirect_uri"),
		CodeVerifier: values.Get("code_verifier"),
		RefreshToken: values.Get("refresh_token"),
		Username:     values.Get("username"),
		Password:     values.Get("password"),
		Scope:        values.Get("scope"),
		Form:         values,
	}
}

// SubjectGrant is a resolved resource owner returned by password and
// extension grant validators.
type SubjectGrant struct {
	// SubjectID is the authenticated subject identifier.
	SubjectID string

	// AuthenticationMethod is the amr value describing how the subject
	// was verified.
	AuthenticationMethod string

	// IdentityProvider is the idp that performed the verification.
	IdentityProvider string

	// AuthenticationTime is when the verification happened.
	AuthenticationTime time.Time

	// Claims are additional subject claims to carry into issued tokens.
	Claims claims.Set
}

// ValidatedRequest is a token request that passed all grant-specific
// checks and is ready for issuance.
type ValidatedRequest struct {
	Client    *registry.Client
	GrantType string

	// Scopes is the effective scope grant for the tokens being issued.
	Scopes *scopes.Granted

	// SubjectID is empty for client-only grants.
	SubjectID string
	SessionID string

	// Nonce is echoed into the identity token for code redemptions.
	Nonce string

	// AuthenticationTime, IdentityProvider, and AuthenticationMethods
	// describe the subject's authentication, carried from the consumed
	// grant or the grant validator.
	AuthenticationTime    time.Time
	IdentityProvider      string
	AuthenticationMethods []string

	// SubjectClaims is the identity claim snapshot for issued tokens.
	SubjectClaims claims.Set

	// RefreshTokenHandle and RefreshToken are set when the request
	// redeemed a refresh token, so issuance can apply the rotation
	// policy.
	RefreshTokenHandle string
	RefreshToken       *storage.RefreshToken
}
