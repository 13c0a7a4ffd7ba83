// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// BasicAuthParser extracts credentials from the Authorization header
// per RFC 6749 Section 2.3.1: both the client_id and the secret are
// form-urlencoded before being joined and base64 encoded.
type BasicAuthParser struct{}

// Parse implements Parser.
func (BasicAuthParser) Parse(r *http.Request) (*ParsedSecret, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}

	scheme, encoded, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed basic auth header: %w", err)
	}

	rawID, rawSecret, found := strings.Cut(string(decoded), ":")
	if !found {
		return nil, fmt.Errorf("malformed basic auth header: missing separator")
	}

	clientID, err := url.QueryUnescape(rawID)
	if err != nil {
		return nil, fmt.Errorf("malformed basic auth client_id: %w", err)
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil {
		return nil, fmt.Errorf("malformed basic auth client_secret: %w", err)
	}

	if clientID == "" || len(clientID) > maxClientIDLength {
		return nil, fmt.Errorf("invalid basic auth client_id length")
	}
	if len(secret) > maxSecretLength {
		return nil, fmt.Errorf("client_secret exceeds length limit")
	}

	if secret == "" {
		return &ParsedSecret{ID: clientID, Type: ParsedTypeNone}, nil
	}
	return &ParsedSecret{
		ID:         clientID,
		Type:       ParsedTypeSharedSecret,
		Credential: secret,
	}, nil
}

// PostBodyParser extracts client_id and client_secret from the
// form-encoded request body (RFC 6749 Section 2.3.1).
type PostBodyParser struct{}

// Parse implements Parser.
func (PostBodyParser) Parse(r *http.Request) (*ParsedSecret, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse request form: %w", err)
	}

	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		return nil, nil
	}
	if len(clientID) > maxClientIDLength {
		return nil, fmt.Errorf("invalid client_id length")
	}

	secret := r.PostForm.Get("client_secret")
	if len(secret) > maxSecretLength {
		return nil, fmt.Errorf("client_secret exceeds length limit")
	}

	if secret == "" {
		return &ParsedSecret{ID: clientID, Type: ParsedTypeNone}, nil
	}
	return &ParsedSecret{
		ID:         clientID,
		Type:       ParsedTypeSharedSecret,
		Credential: secret,
	}, nil
}

// JWTBearerParser extracts a signed client assertion (RFC 7523
// Section 2.2). The assertion is not verified here; the parser only
// reads the unvalidated subject so the authenticator can look the
// client up before handing the assertion to the validator.
type JWTBearerParser struct{}

// Parse implements Parser.
func (JWTBearerParser) Parse(r *http.Request) (*ParsedSecret, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse request form: %w", err)
	}

	assertionType := r.PostForm.Get("client_assertion_type")
	assertion := r.PostForm.Get("client_assertion")
	if assertionType == "" && assertion == "" {
		return nil, nil
	}
	if assertionType != ClientAssertionTypeJWTBearer {
		return nil, fmt.Errorf("unsupported client_assertion_type")
	}
	if assertion == "" {
		return nil, fmt.Errorf("client_assertion is missing")
	}
	if len(assertion) > maxAssertionLength {
		return nil, fmt.Errorf("client_assertion exceeds length limit")
	}

	token, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("malformed client_assertion: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("client_assertion is missing a subject")
	}
	if len(subject) > maxClientIDLength {
		return nil, fmt.Errorf("invalid client_assertion subject length")
	}

	return &ParsedSecret{
		ID:         subject,
		Type:       ParsedTypeJWTBearer,
		Credential: assertion,
	}, nil
}

// MutualTLSParser extracts the TLS client certificate presented on the
// connection. The client still identifies itself via the client_id form
// parameter (RFC 8705 Section 2).
type MutualTLSParser struct{}

// Parse implements Parser.
func (MutualTLSParser) Parse(r *http.Request) (*ParsedSecret, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse request form: %w", err)
	}
	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		return nil, nil
	}
	if len(clientID) > maxClientIDLength {
		return nil, fmt.Errorf("invalid client_id length")
	}

	return &ParsedSecret{
		ID:          clientID,
		Type:        ParsedTypeCertificate,
		Certificate: r.TLS.PeerCertificates[0],
	}, nil
}

// Compile-time interface checks.
var (
	_ Parser = BasicAuthParser{}
	_ Parser = PostBodyParser{}
	_ Parser = JWTBearerParser{}
	_ Parser = MutualTLSParser{}
)
