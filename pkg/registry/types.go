// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry defines the client and resource models and the lookup
// contracts the protocol engine validates against. Clients and resources
// are immutable per request: the engine looks them up fresh for every
// inbound request and never mutates them.
package registry

import (
	"slices"
	"time"
)

// Secret types understood by the secret validator chain.
const (
	SecretTypeSharedSecret   = "shared_secret"
	SecretTypeX509Thumbprint = "x509_thumbprint"
	SecretTypeX509Name       = "x509_name"
	SecretTypeX509Base64     = "x509_base64"
	SecretTypeJSONWebKey     = "jwk"
)

// Access token formats.
const (
	// AccessTokenJWT issues self-contained signed tokens.
	AccessTokenJWT = "jwt"

	// AccessTokenReference issues opaque handles resolved via the grant store.
	AccessTokenReference = "reference"
)

// Secret is a typed credential owned by a client. SharedSecret values
// hold a bcrypt hash of the secret, never the plaintext.
type Secret struct {
	// Type is one of the SecretType constants.
	Type string

	// Value is the type-specific credential material: a bcrypt hash for
	// shared secrets, a hex thumbprint / distinguished name / base64 DER
	// for certificate secrets, or a JWK JSON document for assertions.
	Value string

	// Expiration is the optional point after which the secret no longer
	// validates. Zero means the secret does not expire.
	Expiration time.Time
}

// IsExpired reports whether the secret is past its expiration.
func (s *Secret) IsExpired(now time.Time) bool {
	return !s.Expiration.IsZero() && now.After(s.Expiration)
}

// Client is the registered configuration of an OAuth client application.
type Client struct {
	// ID is the client_id.
	ID string

	// Enabled gates the client entirely; disabled clients fail every
	// validation as if they did not exist.
	Enabled bool

	// RequireSecret indicates whether the client must authenticate with
	// a credential at the token endpoint. Public clients set this false.
	RequireSecret bool

	// Secrets are the registered credentials for RequireSecret clients.
	Secrets []Secret

	// GrantTypes lists the grant types the client may use
	// (authorization_code, client_credentials, password, refresh_token,
	// implicit, or custom extension grant identifiers).
	GrantTypes []string

	// AllowedScopes lists the scope names the client may request.
	AllowedScopes []string

	// RedirectURIs are the exact-match redirect targets for authorize
	// responses.
	RedirectURIs []string

	// PostLogoutRedirectURIs are the exact-match targets for end-session
	// redirects.
	PostLogoutRedirectURIs []string

	// RequirePKCE forces a code challenge on authorization-code requests.
	RequirePKCE bool

	// AllowPlainTextPKCE permits the "plain" challenge method. S256 is
	// always permitted.
	AllowPlainTextPKCE bool

	// RequireConsent requires the consent screen unless a remembered
	// grant already covers the requested scopes.
	RequireConsent bool

	// AllowRememberConsent lets subjects persist their consent decision.
	AllowRememberConsent bool

	// AllowOfflineAccess permits the offline_access scope and refresh
	// token issuance.
	AllowOfflineAccess bool

	// RotateRefreshTokens invalidates the presented refresh token and
	// issues a new handle on every use. When false the handle is reused.
	RotateRefreshTokens bool

	// AccessTokenFormat is AccessTokenJWT or AccessTokenReference.
	AccessTokenFormat string

	// AccessTokenLifetime is the lifetime of issued access tokens.
	AccessTokenLifetime time.Duration

	// IdentityTokenLifetime is the lifetime of issued identity tokens.
	IdentityTokenLifetime time.Duration

	// AuthorizationCodeLifetime is the lifetime of authorization codes.
	AuthorizationCodeLifetime time.Duration

	// RefreshTokenLifetime is the lifetime of refresh tokens.
	RefreshTokenLifetime time.Duration

	// IdentityProviderRestrictions, when non-empty, limits which identity
	// providers may have authenticated the subject. An empty list allows
	// all providers.
	IdentityProviderRestrictions []string

	// EnableLocalLogin permits subjects authenticated by the local
	// provider. When false, locally authenticated sessions force a fresh
	// login.
	EnableLocalLogin bool

	// UserSSOLifetime bounds how old the subject's authentication may be
	// before login is forced again. Zero means no limit.
	UserSSOLifetime time.Duration

	// Claims are issued into every access token for this client.
	Claims map[string]string

	// FrontChannelLogoutURI, when set, is embedded in the logout page to
	// notify the client of session termination.
	FrontChannelLogoutURI string

	// FrontChannelLogoutSessionRequired adds the session id to the
	// front-channel logout URI.
	FrontChannelLogoutSessionRequired bool

	// BackChannelLogoutURI, when set, receives a signed logout token via
	// server-to-server POST.
	BackChannelLogoutURI string

	// BackChannelLogoutSessionRequired adds the session id claim to the
	// back-channel logout token.
	BackChannelLogoutSessionRequired bool
}

// HasGrantType reports whether the client may use the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsScope reports whether the scope name is in the client's allowed
// scope list.
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// HasRedirectURI reports whether the URI exactly matches a registered
// redirect URI. Matching is exact string comparison, never prefix.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasPostLogoutRedirectURI reports whether the URI exactly matches a
// registered post-logout redirect URI.
func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// AllowsIdentityProvider reports whether a subject authenticated by the
// given identity provider may use this client.
func (c *Client) AllowsIdentityProvider(idp string) bool {
	if len(c.IdentityProviderRestrictions) == 0 {
		return true
	}
	return slices.Contains(c.IdentityProviderRestrictions, idp)
}

// ActiveSecrets returns the secrets that have not expired at now.
func (c *Client) ActiveSecrets(now time.Time) []Secret {
	out := make([]Secret, 0, len(c.Secrets))
	for _, s := range c.Secrets {
		if !s.IsExpired(now) {
			out = append(out, s)
		}
	}
	return out
}

// IdentityResource is a named bundle of identity claims requestable as a
// scope (e.g. openid, profile, email).
type IdentityResource struct {
	// Name is the scope string that requests this resource.
	Name string

	// Enabled gates the resource; disabled resources fail validation.
	Enabled bool

	// Required resources cannot be deselected on the consent screen.
	Required bool

	// Emphasize highlights the resource on the consent screen.
	Emphasize bool

	// ClaimTypes are the claim types released when this resource is
	// granted.
	ClaimTypes []string
}

// Scope is a named unit of access to an API resource.
type Scope struct {
	// Name is the scope string.
	Name string

	// Enabled gates the scope.
	Enabled bool

	// Required scopes cannot be deselected on the consent screen.
	Required bool

	// Emphasize highlights the scope on the consent screen.
	Emphasize bool

	// ClaimTypes are additional claim types issued into access tokens
	// carrying this scope.
	ClaimTypes []string
}

// APIResource is a protected API exposing one or more scopes.
type APIResource struct {
	// Name is the resource identifier, issued as the token audience.
	Name string

	// Enabled gates the resource and all of its scopes.
	Enabled bool

	// Scopes are the scopes this resource defines.
	Scopes []Scope

	// ClaimTypes are claim types issued into every access token for this
	// resource.
	ClaimTypes []string
}

// FindScope returns the named scope defined by the resource, if any.
func (r *APIResource) FindScope(name string) (*Scope, bool) {
	for i := range r.Scopes {
		if r.Scopes[i].Name == name {
			return &r.Scopes[i], true
		}
	}
	return nil, false
}
