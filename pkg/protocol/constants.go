// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the OAuth 2.0 / OpenID Connect wire-level
// constants and the structured error type shared by the validators and
// response generators.
package protocol

// Grant types (RFC 6749 Section 4, RFC 8628).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeImplicit          = "implicit"
)

// Response types (RFC 6749 Section 3.1.1, OIDC Core Section 3).
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// Response modes (OAuth 2.0 Multiple Response Type Encoding Practices).
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Prompt modes (OIDC Core Section 3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// PKCE code challenge methods (RFC 7636 Section 4.2).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// Token type hints for introspection and revocation (RFC 7009, RFC 7662).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenTypeBearer is the token_type value in token responses.
const TokenTypeBearer = "Bearer"

// ScopeOfflineAccess requests a refresh token (OIDC Core Section 11).
const ScopeOfflineAccess = "offline_access"

// ScopeOpenID marks a request as an OpenID Connect request.
const ScopeOpenID = "openid"

// Standard claim types used by the issuance service.
const (
	ClaimSubject            = "sub"
	ClaimIssuer             = "iss"
	ClaimAudience           = "aud"
	ClaimExpiration         = "exp"
	ClaimIssuedAt           = "iat"
	ClaimNotBefore          = "nbf"
	ClaimJWTID              = "jti"
	ClaimClientID           = "client_id"
	ClaimScope              = "scope"
	ClaimNonce              = "nonce"
	ClaimAuthTime           = "auth_time"
	ClaimIdentityProvider   = "idp"
	ClaimAuthMethod         = "amr"
	ClaimAccessTokenHash    = "at_hash"
	ClaimAuthorizationHash  = "c_hash"
	ClaimSessionID          = "sid"
	ClaimConfirmation       = "cnf"
	ClaimAuthContextClass   = "acr"
	ClaimEvents             = "events"
	ClaimBackchannelLogout  = "http://schemas.openid.net/event/backchannel-logout"
)

// responseTypeGrantTypes maps each supported response type to the grant
// type it implies. Authorization requests with response types outside
// this table are rejected.
var responseTypeGrantTypes = map[string]string{
	ResponseTypeCode:             GrantTypeAuthorizationCode,
	ResponseTypeToken:            GrantTypeImplicit,
	ResponseTypeIDToken:          GrantTypeImplicit,
	ResponseTypeIDTokenToken:     GrantTypeImplicit,
	ResponseTypeCodeIDToken:      GrantTypeAuthorizationCode,
	ResponseTypeCodeToken:        GrantTypeAuthorizationCode,
	ResponseTypeCodeIDTokenToken: GrantTypeAuthorizationCode,
}

// allowedResponseModes maps each implied grant type to the response
// modes a client may request for it. The first entry is the default.
var allowedResponseModes = map[string][]string{
	GrantTypeAuthorizationCode: {ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost},
	GrantTypeImplicit:          {ResponseModeFragment, ResponseModeFormPost},
}

// GrantTypeForResponseType returns the grant type implied by a response
// type, or false if the response type is not supported.
func GrantTypeForResponseType(responseType string) (string, bool) {
	grantType, ok := responseTypeGrantTypes[responseType]
	return grantType, ok
}

// IsResponseModeAllowed reports whether the given response mode may be
// used with the grant type implied by the request's response type.
func IsResponseModeAllowed(grantType, responseMode string) bool {
	for _, m := range allowedResponseModes[grantType] {
		if m == responseMode {
			return true
		}
	}
	return false
}

// DefaultResponseMode returns the default response mode for a grant type.
func DefaultResponseMode(grantType string) string {
	modes := allowedResponseModes[grantType]
	if len(modes) == 0 {
		return ResponseModeQuery
	}
	return modes[0]
}
