// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshInterval bounds how stale a cached key set may get
// before the underlying provider is consulted again.
const DefaultRefreshInterval = 5 * time.Minute

// CachingProvider wraps another Provider and caches its results with a
// bounded refresh interval. Concurrent refreshes of the same entry are
// collapsed with singleflight so a slow backing provider (remote secret
// manager, HSM) is hit at most once per interval.
type CachingProvider struct {
	inner    Provider
	interval time.Duration

	group singleflight.Group

	mu           sync.RWMutex
	signingKey   *SigningKeyData
	signingAt    time.Time
	publicKeys   []*PublicKeyData
	publicKeysAt time.Time
}

// NewCachingProvider wraps inner with a cache refreshed at most every
// interval. A zero interval uses DefaultRefreshInterval.
func NewCachingProvider(inner Provider, interval time.Duration) *CachingProvider {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &CachingProvider{
		inner:    inner,
		interval: interval,
	}
}

// SigningKey returns the cached signing key, refreshing it from the
// inner provider when the cache entry is older than the interval.
func (p *CachingProvider) SigningKey(ctx context.Context) (*SigningKeyData, error) {
	p.mu.RLock()
	key, at := p.signingKey, p.signingAt
	p.mu.RUnlock()

	if key != nil && time.Since(at) < p.interval {
		k := *key
		return &k, nil
	}

	result, err, _ := p.group.Do("signing", func() (any, error) {
		fresh, err := p.inner.SigningKey(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.signingKey = fresh
		p.signingAt = time.Now()
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		// Serve the stale entry if one exists; signing availability wins
		// over freshness.
		if key != nil {
			k := *key
			return &k, nil
		}
		return nil, err
	}

	k := *(result.(*SigningKeyData))
	return &k, nil
}

// PublicKeys returns the cached public key set with the same refresh
// policy as SigningKey.
func (p *CachingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	p.mu.RLock()
	cached, at := p.publicKeys, p.publicKeysAt
	p.mu.RUnlock()

	if cached != nil && time.Since(at) < p.interval {
		return append([]*PublicKeyData(nil), cached...), nil
	}

	result, err, _ := p.group.Do("public", func() (any, error) {
		fresh, err := p.inner.PublicKeys(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.publicKeys = fresh
		p.publicKeysAt = time.Now()
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if cached != nil {
			return append([]*PublicKeyData(nil), cached...), nil
		}
		return nil, err
	}

	return append([]*PublicKeyData(nil), result.([]*PublicKeyData)...), nil
}

// Compile-time interface check.
var _ Provider = (*CachingProvider)(nil)
