// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedisStore(t.Context(), RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "oidcore:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	runStoreSuite(t, func(t *testing.T) fullStore {
		s, _ := newTestRedisStore(t)
		return s
	})
}

func TestRedisStoreRequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStore(t.Context(), RedisConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)

	token := testRefreshToken()
	token.Lifetime = time.Minute
	require.NoError(t, s.StoreRefreshToken(t.Context(), "rt-ttl", token))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetRefreshToken(t.Context(), "rt-ttl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreStaleIndexPruned(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)

	token := testRefreshToken()
	token.Lifetime = time.Minute
	require.NoError(t, s.StoreRefreshToken(t.Context(), "rt-stale", token))

	// Let the grant key expire while its index member survives, then
	// check that enumeration skips and prunes it.
	mr.FastForward(2 * time.Minute)

	grants, err := s.GetAllGrants(t.Context(), GrantFilter{SubjectID: token.SubjectID})
	require.NoError(t, err)
	assert.Empty(t, grants)

	// Removing the last stale member deletes the index set entirely.
	members, _ := mr.SMembers(s.subjectIndexKey(token.SubjectID))
	assert.Empty(t, members)
}

func TestRedisStoreReplayTTL(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)

	require.NoError(t, s.SetAssertionJWT(t.Context(), "jti-ttl", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, s.AssertionJWTValid(t.Context(), "jti-ttl"), ErrReplay)

	mr.FastForward(2 * time.Minute)
	assert.NoError(t, s.AssertionJWTValid(t.Context(), "jti-ttl"))
}

func TestRedisStoreRejectsStoringExpiredGrant(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t)

	token := testRefreshToken()
	token.CreationTime = time.Now().Add(-2 * time.Hour)
	token.Lifetime = time.Hour

	err := s.StoreRefreshToken(t.Context(), "rt-dead", token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}
