// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session models the authenticated subject as seen by the
// protocol engine. The login UI (out of scope here) establishes the
// session; the engine only reads it.
package session

import (
	"time"

	"github.com/stacklok/oidcore/pkg/claims"
)

// LocalIdentityProvider is the provider name for subjects authenticated
// directly against the local account store rather than an external IdP.
const LocalIdentityProvider = "local"

// Subject is the authenticated end-user behind an authorize request.
// A nil *Subject means no one is authenticated.
type Subject struct {
	// ID is the stable subject identifier issued as the "sub" claim.
	ID string

	// SessionID identifies the browser session, used to scope logout.
	SessionID string

	// IdentityProvider names the provider that authenticated the subject.
	IdentityProvider string

	// AuthenticationMethods are the amr values from authentication.
	AuthenticationMethods []string

	// AuthenticationTime is when the subject last actively authenticated.
	AuthenticationTime time.Time

	// Claims are additional identity claims captured at login.
	Claims claims.Set
}

// IsAuthenticated reports whether a subject is present and carries an ID.
func (s *Subject) IsAuthenticated() bool {
	return s != nil && s.ID != ""
}

// IsLocal reports whether the subject authenticated against the local
// provider.
func (s *Subject) IsLocal() bool {
	return s != nil && s.IdentityProvider == LocalIdentityProvider
}

// AuthenticationAge returns how long ago the subject authenticated.
func (s *Subject) AuthenticationAge(now time.Time) time.Duration {
	return now.Sub(s.AuthenticationTime)
}
