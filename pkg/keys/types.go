// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key material for token issuance and the
// public key set for verification (JWKS).
package keys

import (
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey is returned when no signing key is available.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKeyData contains a private key and its metadata.
type SigningKeyData struct {
	// KeyID is the unique identifier for this key, used in the JWT "kid" header.
	KeyID string

	// Algorithm is the JWS algorithm (e.g. "RS256", "ES256").
	Algorithm string

	// Key is the private key. Must implement crypto.Signer.
	Key crypto.Signer

	// CreatedAt is when this key was loaded or generated.
	CreatedAt time.Time
}

// PublicKeyData contains a public key and its metadata for JWKS exposure.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

// Config configures a FileProvider.
type Config struct {
	// KeyDir is the directory containing PEM key files.
	KeyDir string

	// SigningKeyFile is the primary key used for signing new tokens.
	SigningKeyFile string

	// FallbackKeyFiles are additional keys exposed via JWKS so tokens
	// signed before a rotation keep verifying.
	FallbackKeyFiles []string
}
