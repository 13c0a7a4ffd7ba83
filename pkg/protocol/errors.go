// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// Standard OAuth 2.0 / OIDC error codes (RFC 6749 Section 5.2,
// OIDC Core Section 3.1.2.6).
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnsupportedTokenType    = "unsupported_token_type"
	ErrorInvalidScope            = "invalid_scope"
	ErrorAccessDenied            = "access_denied"
	ErrorLoginRequired           = "login_required"
	ErrorConsentRequired         = "consent_required"
	ErrorInteractionRequired     = "interaction_required"
	ErrorServerError             = "server_error"
)

// Error is a structured protocol error. Expected validation failures are
// modeled as *Error result values rather than Go errors so callers can
// distinguish them from infrastructure faults.
type Error struct {
	// Code is one of the standard OAuth error codes.
	Code string

	// Description is a human-readable explanation, safe to return to the
	// caller. It must never reveal which credential check failed.
	Description string
}

// Error implements the error interface so an *Error can be propagated
// through code paths that only deal in errors.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// NewErrorf creates a protocol error with a formatted description.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}
