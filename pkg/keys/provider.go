// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/stacklok/oidcore/pkg/logger"
)

// Provider supplies signing keys for token issuance.
// Implementations handle key sourcing (file, memory, generation).
type Provider interface {
	// SigningKey returns the current signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// FileProvider loads signing keys from PEM files in a directory.
// The signing key is used for signing new tokens; all keys (signing +
// fallback) are exposed via PublicKeys for JWKS. Keys are loaded once at
// construction time; changes require restart.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider creates a provider that loads keys from a directory.
// Config.SigningKeyFile is the primary key used for signing new tokens;
// Config.FallbackKeyFiles are loaded for verification during rotation.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKeyPath := filepath.Join(cfg.KeyDir, cfg.SigningKeyFile)
	signingKey, err := loadKeyFromFile(signingKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}

	for _, filename := range cfg.FallbackKeyFiles {
		keyPath := filepath.Join(cfg.KeyDir, filename)
		key, err := loadKeyFromFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{
		signingKey: signingKey,
		allKeys:    allKeys,
	}, nil
}

func loadKeyFromFile(keyPath string) (*SigningKeyData, error) {
	signer, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}

	keyID, err := DeriveKeyID(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	algorithm, err := DeriveAlgorithm(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive algorithm: %w", err)
	}

	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: algorithm,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns the primary signing key.
// Returns a copy to prevent external mutation of internal state.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	k := *p.signingKey
	return &k, nil
}

// PublicKeys returns public keys for all loaded keys so tokens signed
// with any of them keep verifying across rotations.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// StaticProvider serves a fixed, pre-constructed key. Useful when the
// key material is resolved elsewhere (config layer, secret manager).
type StaticProvider struct {
	key *SigningKeyData
}

// NewStaticProvider creates a provider around an existing signer.
func NewStaticProvider(signer crypto.Signer) (*StaticProvider, error) {
	keyID, err := DeriveKeyID(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}
	algorithm, err := DeriveAlgorithm(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive algorithm: %w", err)
	}

	return &StaticProvider{key: &SigningKeyData{
		KeyID:     keyID,
		Algorithm: algorithm,
		Key:       signer,
		CreatedAt: time.Now(),
	}}, nil
}

// SigningKey returns the static key.
func (p *StaticProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	k := *p.key
	return &k, nil
}

// PublicKeys returns the static key's public half.
func (p *StaticProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return []*PublicKeyData{{
		KeyID:     p.key.KeyID,
		Algorithm: p.key.Algorithm,
		PublicKey: p.key.Key.Public(),
		CreatedAt: p.key.CreatedAt,
	}}, nil
}

// GeneratingProvider generates an ephemeral key on first access.
// Suitable for development but NOT recommended for production:
// generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKeyData
}

// NewGeneratingProvider creates a provider that generates an ephemeral
// key lazily on first SigningKey call. If algorithm is empty,
// DefaultAlgorithm is used.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the signing key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		key, err := p.generateKey()
		if err != nil {
			return nil, err
		}

		logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		p.key = key
	}

	k := *p.key
	return &k, nil
}

// PublicKeys returns the public key for JWKS, generating the signing key
// if it has not been generated yet.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		PublicKey: key.Key.Public(),
		CreatedAt: key.CreatedAt,
	}}, nil
}

func (p *GeneratingProvider) generateKey() (*SigningKeyData, error) {
	privateKey, err := generatePrivateKey(p.algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	keyID, err := DeriveKeyID(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: p.algorithm,
		Key:       privateKey,
		CreatedAt: time.Now(),
	}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// Compile-time interface checks.
var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
)
