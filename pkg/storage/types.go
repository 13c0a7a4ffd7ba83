// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the grant store contract and its in-memory and
// Redis implementations. Every persisted grant is keyed by a
// cryptographically random handle; a grant is never retrievable after
// consumption or expiration.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/oidcore/pkg/claims"
)

// Sentinel errors returned by all store implementations.
var (
	// ErrNotFound is returned when a handle does not resolve to a live grant.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a grant exists but is past its lifetime.
	ErrExpired = errors.New("expired")

	// ErrAlreadyExists is returned when storing over an existing handle.
	ErrAlreadyExists = errors.New("already exists")

	// ErrReplay is returned when an assertion identifier has been seen before.
	ErrReplay = errors.New("assertion replayed")
)

// Grant kinds used for enumeration and bulk revocation.
const (
	KindAuthorizationCode = "authorization_code"
	KindRefreshToken      = "refresh_token"
	KindReferenceToken    = "reference_token"
)

// AuthorizationCode is a one-time-use grant created at a successful
// authorize interaction and consumed exactly once at token redemption.
type AuthorizationCode struct {
	// SubjectID is the authenticated subject the code was issued to.
	SubjectID string

	// ClientID is the client the code was issued for.
	ClientID string

	// SessionID is the browser session the code belongs to.
	SessionID string

	// RedirectURI is the redirect_uri presented at authorization; the
	// token request must present the identical value.
	RedirectURI string

	// Scopes are the scopes granted at authorization.
	Scopes []string

	// Nonce is echoed into the identity token.
	Nonce string

	// CodeChallenge and CodeChallengeMethod bind the code to a PKCE
	// verifier. Empty when PKCE was not used.
	CodeChallenge       string
	CodeChallengeMethod string

	// AuthenticationTime, IdentityProvider, and AuthenticationMethods
	// capture how the subject authenticated, for identity token claims.
	AuthenticationTime    time.Time
	IdentityProvider      string
	AuthenticationMethods []string

	// SubjectClaims is the identity claim snapshot taken at authorization.
	SubjectClaims claims.Set

	// CreationTime and Lifetime bound the code's validity window.
	CreationTime time.Time
	Lifetime     time.Duration
}

// IsExpired reports whether the code is past its lifetime at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.After(c.CreationTime.Add(c.Lifetime))
}

// RefreshToken is a long-lived grant redeemable for fresh access tokens.
type RefreshToken struct {
	// SubjectID, ClientID, and SessionID identify the grant.
	SubjectID string
	ClientID  string
	SessionID string

	// Scopes are the scopes originally granted; refresh requests may only
	// narrow them.
	Scopes []string

	// AuthenticationTime, IdentityProvider, and AuthenticationMethods are
	// carried forward into tokens issued on refresh.
	AuthenticationTime    time.Time
	IdentityProvider      string
	AuthenticationMethods []string

	// SubjectClaims is the identity claim snapshot carried by the grant.
	SubjectClaims claims.Set

	// CreationTime and Lifetime bound the token's validity window.
	CreationTime time.Time
	Lifetime     time.Duration

	// ConsumedCount is incremented on every redemption, for auditing.
	ConsumedCount int
}

// IsExpired reports whether the refresh token is past its lifetime at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.CreationTime.Add(t.Lifetime))
}

// ReferenceToken is the server-held payload behind an opaque access
// token handle.
type ReferenceToken struct {
	// SubjectID and ClientID identify the grant. SubjectID is empty for
	// client-credentials tokens.
	SubjectID string
	ClientID  string
	SessionID string

	// Scopes are the scopes carried by the token.
	Scopes []string

	// Claims is the full claim set the token stands in for.
	Claims claims.Set

	// CreationTime and Lifetime bound the token's validity window.
	CreationTime time.Time
	Lifetime     time.Duration
}

// IsExpired reports whether the reference token is past its lifetime at now.
func (t *ReferenceToken) IsExpired(now time.Time) bool {
	return now.After(t.CreationTime.Add(t.Lifetime))
}

// Consent is a subject's remembered authorization of a client for a
// scope set. It is persisted only when the subject granted consent with
// the remember flag set.
type Consent struct {
	SubjectID string
	ClientID  string

	// Scopes are the scope names the subject consented to.
	Scopes []string

	// CreationTime is when consent was recorded.
	CreationTime time.Time
}

// GrantFilter selects grants for enumeration or bulk revocation. Empty
// fields match everything; set fields must all match.
type GrantFilter struct {
	SubjectID string
	ClientID  string
	SessionID string
}

// Matches reports whether a grant with the given identifiers satisfies
// the filter.
func (f GrantFilter) Matches(subjectID, clientID, sessionID string) bool {
	if f.SubjectID != "" && f.SubjectID != subjectID {
		return false
	}
	if f.ClientID != "" && f.ClientID != clientID {
		return false
	}
	if f.SessionID != "" && f.SessionID != sessionID {
		return false
	}
	return true
}

// Grant is the summary view of a persisted grant used for enumeration.
type Grant struct {
	Handle       string
	Kind         string
	SubjectID    string
	ClientID     string
	SessionID    string
	Scopes       []string
	CreationTime time.Time
	Expiration   time.Time
}

// GrantStore persists authorization codes, refresh tokens, and reference
// tokens. All operations must be atomic with respect to concurrent
// callers; in particular ConsumeAuthorizationCode and RotateRefreshToken
// must not allow two concurrent calls on the same handle to both succeed.
type GrantStore interface {
	// StoreAuthorizationCode persists a code under the given handle.
	StoreAuthorizationCode(ctx context.Context, handle string, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes the code.
	// Exactly one of two concurrent calls for the same handle succeeds;
	// the loser receives ErrNotFound. Expired codes return ErrExpired.
	ConsumeAuthorizationCode(ctx context.Context, handle string) (*AuthorizationCode, error)

	// StoreRefreshToken persists a refresh token under the given handle.
	StoreRefreshToken(ctx context.Context, handle string, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token without consuming it.
	GetRefreshToken(ctx context.Context, handle string) (*RefreshToken, error)

	// UpdateRefreshToken replaces the stored token under the same handle
	// (reuse policy: bump consumed count, slide nothing).
	UpdateRefreshToken(ctx context.Context, handle string, token *RefreshToken) error

	// RotateRefreshToken atomically removes oldHandle and stores token
	// under newHandle. If oldHandle is no longer live, ErrNotFound is
	// returned and nothing is stored.
	RotateRefreshToken(ctx context.Context, oldHandle, newHandle string, token *RefreshToken) error

	// RemoveRefreshToken deletes a refresh token.
	RemoveRefreshToken(ctx context.Context, handle string) error

	// StoreReferenceToken persists a reference token under the given handle.
	StoreReferenceToken(ctx context.Context, handle string, token *ReferenceToken) error

	// GetReferenceToken retrieves a reference token.
	GetReferenceToken(ctx context.Context, handle string) (*ReferenceToken, error)

	// RemoveReferenceToken deletes a reference token.
	RemoveReferenceToken(ctx context.Context, handle string) error

	// GetAllGrants enumerates live grants matching the filter.
	GetAllGrants(ctx context.Context, filter GrantFilter) ([]Grant, error)

	// RemoveAllGrants deletes every grant matching the filter. Used for
	// logout and administrative revocation.
	RemoveAllGrants(ctx context.Context, filter GrantFilter) error
}

// ConsentStore persists remembered consent decisions.
type ConsentStore interface {
	// SaveConsent creates or replaces the consent record for
	// (subject, client).
	SaveConsent(ctx context.Context, consent *Consent) error

	// GetConsent returns the consent record for (subject, client), or
	// ErrNotFound.
	GetConsent(ctx context.Context, subjectID, clientID string) (*Consent, error)

	// RemoveConsent deletes the consent record for (subject, client).
	RemoveConsent(ctx context.Context, subjectID, clientID string) error
}

// ReplayStore tracks client assertion identifiers to reject replayed
// signed assertions (RFC 7523 Section 3).
type ReplayStore interface {
	// AssertionJWTValid returns ErrReplay if the JTI has been seen and
	// has not yet expired, nil otherwise.
	AssertionJWTValid(ctx context.Context, jti string) error

	// SetAssertionJWT marks a JTI as seen until exp.
	SetAssertionJWT(ctx context.Context, jti string, exp time.Time) error
}
