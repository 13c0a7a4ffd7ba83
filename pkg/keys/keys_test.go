// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeECKeyPEM(t *testing.T, dir, name string) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return name
}

func TestDeriveAlgorithm(t *testing.T) {
	t.Parallel()

	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	alg, err := DeriveAlgorithm(ecKey)
	require.NoError(t, err)
	assert.Equal(t, "ES384", alg)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	alg, err = DeriveAlgorithm(rsaKey)
	require.NoError(t, err)
	assert.Equal(t, "RS256", alg)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	alg, err = DeriveAlgorithm(edKey)
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", alg)
}

func TestDeriveKeyIDIsStable(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	first, err := DeriveKeyID(key)
	require.NoError(t, err)
	second, err := DeriveKeyID(key)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherID, err := DeriveKeyID(other)
	require.NoError(t, err)
	assert.NotEqual(t, first, otherID)
}

func TestFileProviderLoadsSigningAndFallbackKeys(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	signing := writeECKeyPEM(t, dir, "signing.pem")
	fallback := writeECKeyPEM(t, dir, "fallback.pem")

	provider, err := NewFileProvider(Config{
		KeyDir:           dir,
		SigningKeyFile:   signing,
		FallbackKeyFiles: []string{fallback},
	})
	require.NoError(t, err)

	key, err := provider.SigningKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ES256", key.Algorithm)
	assert.NotEmpty(t, key.KeyID)

	pubKeys, err := provider.PublicKeys(t.Context())
	require.NoError(t, err)
	require.Len(t, pubKeys, 2)
	assert.Equal(t, key.KeyID, pubKeys[0].KeyID)
	assert.NotEqual(t, pubKeys[0].KeyID, pubKeys[1].KeyID)
}

func TestFileProviderRejectsMissingKey(t *testing.T) {
	t.Parallel()

	_, err := NewFileProvider(Config{KeyDir: t.TempDir(), SigningKeyFile: "absent.pem"})
	require.Error(t, err)

	_, err = NewFileProvider(Config{KeyDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key file is required")
}

func TestGeneratingProviderIsLazyAndStable(t *testing.T) {
	t.Parallel()

	provider := NewGeneratingProvider("")

	first, err := provider.SigningKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithm, first.Algorithm)

	second, err := provider.SigningKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, second.KeyID)

	pubKeys, err := provider.PublicKeys(t.Context())
	require.NoError(t, err)
	require.Len(t, pubKeys, 1)
	assert.Equal(t, first.KeyID, pubKeys[0].KeyID)
}

func TestGeneratingProviderUnsupportedAlgorithm(t *testing.T) {
	t.Parallel()

	provider := NewGeneratingProvider("HS256")
	_, err := provider.SigningKey(t.Context())
	require.Error(t, err)
}

// countingProvider counts how often the inner provider is consulted.
type countingProvider struct {
	inner Provider
	calls atomic.Int32
}

func (p *countingProvider) SigningKey(ctx context.Context) (*SigningKeyData, error) {
	p.calls.Add(1)
	return p.inner.SigningKey(ctx)
}

func (p *countingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	p.calls.Add(1)
	return p.inner.PublicKeys(ctx)
}

func TestCachingProviderCollapsesLookups(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	inner, err := NewStaticProvider(key)
	require.NoError(t, err)

	counting := &countingProvider{inner: inner}
	cached := NewCachingProvider(counting, time.Hour)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.SigningKey(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Sequential reads after warmup never touch the inner provider.
	for range 4 {
		_, err := cached.SigningKey(t.Context())
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, counting.calls.Load(), int32(8))
	before := counting.calls.Load()
	_, err = cached.SigningKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, before, counting.calls.Load())
}

func TestPublicJWKSContainsOnlyPublicMaterial(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	provider, err := NewStaticProvider(key)
	require.NoError(t, err)

	jwks, err := PublicJWKS(t.Context(), provider)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	assert.True(t, jwks.Keys[0].IsPublic())
	assert.Equal(t, "sig", jwks.Keys[0].Use)

	// The serialized document must never contain the private scalar.
	data, err := json.Marshal(jwks)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"d"`)
}
