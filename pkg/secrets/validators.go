// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/storage"
)

// Validator checks a parsed credential against a client's registered
// secrets. A false result means the credential does not match; an error
// means validation could not be performed.
type Validator interface {
	Validate(ctx context.Context, client *registry.Client, parsed *ParsedSecret) (bool, error)
}

// SharedSecretValidator compares a plaintext secret against the
// client's stored bcrypt hashes.
type SharedSecretValidator struct{}

// Validate implements Validator.
func (SharedSecretValidator) Validate(_ context.Context, client *registry.Client, parsed *ParsedSecret) (bool, error) {
	for _, secret := range client.ActiveSecrets(time.Now()) {
		if secret.Type != registry.SecretTypeSharedSecret {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(secret.Value), []byte(parsed.Credential)) == nil {
			return true, nil
		}
	}
	return false, nil
}

// CertificateValidator matches a TLS client certificate against the
// client's certificate secrets: a hex SHA-256 thumbprint, the subject
// distinguished name, or the base64 encoded DER.
type CertificateValidator struct{}

// Validate implements Validator.
func (CertificateValidator) Validate(_ context.Context, client *registry.Client, parsed *ParsedSecret) (bool, error) {
	cert := parsed.Certificate
	if cert == nil {
		return false, nil
	}

	sum := sha256.Sum256(cert.Raw)
	thumbprint := hex.EncodeToString(sum[:])
	der := base64.StdEncoding.EncodeToString(cert.Raw)
	subjectName := cert.Subject.String()

	for _, secret := range client.ActiveSecrets(time.Now()) {
		switch secret.Type {
		case registry.SecretTypeX509Thumbprint:
			if strings.EqualFold(secret.Value, thumbprint) {
				return true, nil
			}
		case registry.SecretTypeX509Name:
			if secret.Value == subjectName {
				return true, nil
			}
		case registry.SecretTypeX509Base64:
			if subtle.ConstantTimeCompare([]byte(secret.Value), []byte(der)) == 1 {
				return true, nil
			}
		}
	}
	return false, nil
}

// PrivateKeyJWTValidator verifies signed client assertions (RFC 7523
// Section 3) against the client's registered JWKs. Each assertion must
// carry a unique jti; replayed identifiers are rejected through the
// replay store.
type PrivateKeyJWTValidator struct {
	replay storage.ReplayStore

	// audience is the value the assertion's aud claim must contain,
	// typically the issuer identifier or the token endpoint URL.
	audience string

	// maxLifetime caps how far in the future an assertion's exp may be.
	maxLifetime time.Duration
}

// DefaultAssertionLifetime caps assertion validity windows. Assertions
// are meant to be minted per request, so a long exp is a client bug.
const DefaultAssertionLifetime = 10 * time.Minute

// NewPrivateKeyJWTValidator creates a validator that accepts assertions
// addressed to audience and tracks jti replay in the given store.
func NewPrivateKeyJWTValidator(replay storage.ReplayStore, audience string) *PrivateKeyJWTValidator {
	return &PrivateKeyJWTValidator{
		replay:      replay,
		audience:    audience,
		maxLifetime: DefaultAssertionLifetime,
	}
}

var assertionSigningMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512", "EdDSA"}

// Validate implements Validator.
func (v *PrivateKeyJWTValidator) Validate(ctx context.Context, client *registry.Client, parsed *ParsedSecret) (bool, error) {
	token, err := jwt.Parse(parsed.Credential,
		func(token *jwt.Token) (any, error) {
			return v.verificationKey(client, token)
		},
		jwt.WithValidMethods(assertionSigningMethods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(client.ID),
		jwt.WithSubject(client.ID),
		jwt.WithAudience(v.audience),
	)
	if err != nil || !token.Valid {
		logger.Debugw("client assertion verification failed", "client_id", client.ID, "error", err)
		return false, nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false, nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, nil
	}
	if time.Until(exp.Time) > v.maxLifetime {
		logger.Debugw("client assertion lifetime exceeds limit", "client_id", client.ID)
		return false, nil
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		logger.Debugw("client assertion is missing jti", "client_id", client.ID)
		return false, nil
	}

	if err := v.replay.AssertionJWTValid(ctx, jti); err != nil {
		if errors.Is(err, storage.ErrReplay) {
			logger.Warnw("client assertion replay detected", "client_id", client.ID, "jti", jti)
			return false, nil
		}
		return false, fmt.Errorf("failed to check assertion replay state: %w", err)
	}
	if err := v.replay.SetAssertionJWT(ctx, jti, exp.Time); err != nil {
		return false, fmt.Errorf("failed to record assertion jti: %w", err)
	}

	return true, nil
}

// verificationKey selects the client JWK matching the assertion's kid
// header. When the header carries no kid and the client has exactly one
// registered JWK, that key is used.
func (v *PrivateKeyJWTValidator) verificationKey(client *registry.Client, token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)

	var candidates []jwk.Key
	for _, secret := range client.ActiveSecrets(time.Now()) {
		if secret.Type != registry.SecretTypeJSONWebKey {
			continue
		}
		key, err := jwk.ParseKey([]byte(secret.Value))
		if err != nil {
			logger.Warnw("skipping unparsable client JWK", "client_id", client.ID, "error", err)
			continue
		}
		if kid != "" {
			keyID, ok := key.KeyID()
			if !ok || keyID != kid {
				continue
			}
		}
		candidates = append(candidates, key)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no registered key matches the assertion")
	}
	if kid == "" && len(candidates) > 1 {
		return nil, fmt.Errorf("assertion header must carry a kid when multiple keys are registered")
	}

	var rawKey any
	if err := jwk.Export(candidates[0], &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// Compile-time interface checks.
var (
	_ Validator = SharedSecretValidator{}
	_ Validator = CertificateValidator{}
	_ Validator = (*PrivateKeyJWTValidator)(nil)
)
