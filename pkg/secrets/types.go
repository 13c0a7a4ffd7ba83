// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets authenticates OAuth clients at the protocol endpoints.
// A fixed chain of parsers extracts credentials from the request (HTTP
// basic auth, POST body, signed JWT assertion, mutual TLS certificate)
// and type-specific validators check them against the client's
// registered secrets. Every failure surfaces as the same invalid_client
// error so callers cannot probe which check rejected them.
package secrets

import (
	"crypto/x509"
	"net/http"
)

// ClientAssertionTypeJWTBearer is the client_assertion_type value for
// signed JWT client authentication (RFC 7523 Section 2.2).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Parsed credential kinds produced by the parser chain.
const (
	// ParsedTypeNone means the client identified itself without a
	// credential. Only acceptable for clients with RequireSecret false.
	ParsedTypeNone = "none"

	// ParsedTypeSharedSecret is a plaintext secret from basic auth or the
	// POST body, validated against a stored bcrypt hash.
	ParsedTypeSharedSecret = "shared_secret"

	// ParsedTypeJWTBearer is a signed client assertion.
	ParsedTypeJWTBearer = "jwt_bearer"

	// ParsedTypeCertificate is a TLS client certificate.
	ParsedTypeCertificate = "x509_certificate"
)

// Input length limits applied before any lookup or crypto work.
const (
	maxClientIDLength  = 100
	maxSecretLength    = 100
	maxAssertionLength = 4096
)

// ParsedSecret is a credential extracted from a request, not yet
// validated against the client registry.
type ParsedSecret struct {
	// ID is the client_id the credential claims to belong to.
	ID string

	// Type is one of the ParsedType constants.
	Type string

	// Credential carries the plaintext secret or the raw assertion,
	// depending on Type. Empty for ParsedTypeNone and certificates.
	Credential string

	// Certificate is the presented TLS client certificate for
	// ParsedTypeCertificate.
	Certificate *x509.Certificate
}

// Parser extracts one style of client credential from a request.
// A nil secret with a nil error means the request does not carry this
// credential style; a non-nil error means it does but is malformed.
type Parser interface {
	Parse(r *http.Request) (*ParsedSecret, error)
}
