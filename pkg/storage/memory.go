// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/oidcore/pkg/logger"
)

// Default TTLs applied when a record carries no lifetime of its own.
const (
	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = time.Minute

	// DefaultReplayTTL bounds how long an assertion JTI is remembered
	// when the assertion itself carries no expiry.
	DefaultReplayTTL = 10 * time.Minute
)

// timedEntry wraps a value with its expiration for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryStore implements GrantStore, ConsentStore, and ReplayStore with
// in-memory maps. It is thread-safe and suitable for single-instance
// deployments and tests. Atomicity of consume and rotate follows from
// performing check-and-delete under the write lock.
type MemoryStore struct {
	mu sync.RWMutex

	// authCodes maps handle -> authorization code. Codes are removed on
	// consumption, so presence implies not-yet-redeemed.
	authCodes map[string]*timedEntry[*AuthorizationCode]

	// refreshTokens maps handle -> refresh token.
	refreshTokens map[string]*timedEntry[*RefreshToken]

	// referenceTokens maps handle -> server-held token payload.
	referenceTokens map[string]*timedEntry[*ReferenceToken]

	// consents maps a subject/client composite key -> consent record.
	// Consents are not subject to TTL cleanup; they live until revoked.
	consents map[string]*Consent

	// assertionJWTs tracks seen assertion JTIs until their expiry.
	assertionJWTs map[string]time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom background sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore with initialized maps and starts
// the background cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		authCodes:       make(map[string]*timedEntry[*AuthorizationCode]),
		refreshTokens:   make(map[string]*timedEntry[*RefreshToken]),
		referenceTokens: make(map[string]*timedEntry[*ReferenceToken]),
		consents:        make(map[string]*Consent),
		assertionJWTs:   make(map[string]time.Time),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired entries. Keys are collected under the
// read lock and deleted under the write lock to keep write lock hold
// time short.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expiredCodes, expiredRefresh, expiredReference, expiredJTIs []string
	for k, v := range s.authCodes {
		if now.After(v.expiresAt) {
			expiredCodes = append(expiredCodes, k)
		}
	}
	for k, v := range s.refreshTokens {
		if now.After(v.expiresAt) {
			expiredRefresh = append(expiredRefresh, k)
		}
	}
	for k, v := range s.referenceTokens {
		if now.After(v.expiresAt) {
			expiredReference = append(expiredReference, k)
		}
	}
	for k, v := range s.assertionJWTs {
		if now.After(v) {
			expiredJTIs = append(expiredJTIs, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredCodes) == 0 && len(expiredRefresh) == 0 &&
		len(expiredReference) == 0 && len(expiredJTIs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredCodes {
		delete(s.authCodes, k)
	}
	for _, k := range expiredRefresh {
		delete(s.refreshTokens, k)
	}
	for _, k := range expiredReference {
		delete(s.referenceTokens, k)
	}
	for _, k := range expiredJTIs {
		delete(s.assertionJWTs, k)
	}
}

// consentKey creates a collision-free composite key for (subject, client).
// The length prefix keeps the key unambiguous even if identifiers contain
// the separator.
func consentKey(subjectID, clientID string) string {
	return fmt.Sprintf("%d:%s:%s", len(subjectID), subjectID, clientID)
}

// -----------------------
// Authorization codes
// -----------------------

// StoreAuthorizationCode persists a code under the given handle.
func (s *MemoryStore) StoreAuthorizationCode(_ context.Context, handle string, code *AuthorizationCode) error {
	if handle == "" {
		return fmt.Errorf("authorization code handle cannot be empty")
	}
	if code == nil {
		return fmt.Errorf("authorization code cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[handle]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}

	c := copyAuthorizationCode(code)
	s.authCodes[handle] = &timedEntry[*AuthorizationCode]{
		value:     c,
		expiresAt: c.CreationTime.Add(c.Lifetime),
	}
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes the code.
// The check-and-delete happens under the write lock, so concurrent
// redemptions of the same handle cannot both succeed.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, handle string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[handle]
	if !ok {
		logger.Debugw("authorization code not found")
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}

	// The code is deleted regardless of expiry: a second redemption of an
	// expired code must not be distinguishable from a consumed one.
	delete(s.authCodes, handle)

	if entry.value.IsExpired(time.Now()) {
		logger.Debugw("authorization code expired", "client_id", entry.value.ClientID)
		return nil, fmt.Errorf("%w: authorization code", ErrExpired)
	}

	return copyAuthorizationCode(entry.value), nil
}

// -----------------------
// Refresh tokens
// -----------------------

// StoreRefreshToken persists a refresh token under the given handle.
func (s *MemoryStore) StoreRefreshToken(_ context.Context, handle string, token *RefreshToken) error {
	if handle == "" {
		return fmt.Errorf("refresh token handle cannot be empty")
	}
	if token == nil {
		return fmt.Errorf("refresh token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := copyRefreshToken(token)
	s.refreshTokens[handle] = &timedEntry[*RefreshToken]{
		value:     t,
		expiresAt: t.CreationTime.Add(t.Lifetime),
	}
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it.
func (s *MemoryStore) GetRefreshToken(_ context.Context, handle string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[handle]
	if !ok {
		logger.Debugw("refresh token not found")
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if entry.value.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token", ErrExpired)
	}
	return copyRefreshToken(entry.value), nil
}

// UpdateRefreshToken replaces the stored token under the same handle.
func (s *MemoryStore) UpdateRefreshToken(_ context.Context, handle string, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[handle]; !ok {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}

	t := copyRefreshToken(token)
	s.refreshTokens[handle] = &timedEntry[*RefreshToken]{
		value:     t,
		expiresAt: t.CreationTime.Add(t.Lifetime),
	}
	return nil
}

// RotateRefreshToken atomically removes oldHandle and stores token under
// newHandle. Performed under a single write lock acquisition so only one
// of two concurrent rotations of the same handle can succeed.
func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldHandle, newHandle string, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[oldHandle]; !ok {
		logger.Debugw("refresh token not found for rotation")
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}

	delete(s.refreshTokens, oldHandle)

	t := copyRefreshToken(token)
	s.refreshTokens[newHandle] = &timedEntry[*RefreshToken]{
		value:     t,
		expiresAt: t.CreationTime.Add(t.Lifetime),
	}
	return nil
}

// RemoveRefreshToken deletes a refresh token.
func (s *MemoryStore) RemoveRefreshToken(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[handle]; !ok {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	delete(s.refreshTokens, handle)
	return nil
}

// -----------------------
// Reference tokens
// -----------------------

// StoreReferenceToken persists a reference token under the given handle.
func (s *MemoryStore) StoreReferenceToken(_ context.Context, handle string, token *ReferenceToken) error {
	if handle == "" {
		return fmt.Errorf("reference token handle cannot be empty")
	}
	if token == nil {
		return fmt.Errorf("reference token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := copyReferenceToken(token)
	s.referenceTokens[handle] = &timedEntry[*ReferenceToken]{
		value:     t,
		expiresAt: t.CreationTime.Add(t.Lifetime),
	}
	return nil
}

// GetReferenceToken retrieves a reference token.
func (s *MemoryStore) GetReferenceToken(_ context.Context, handle string) (*ReferenceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.referenceTokens[handle]
	if !ok {
		logger.Debugw("reference token not found")
		return nil, fmt.Errorf("%w: reference token", ErrNotFound)
	}
	if entry.value.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: reference token", ErrExpired)
	}
	return copyReferenceToken(entry.value), nil
}

// RemoveReferenceToken deletes a reference token.
func (s *MemoryStore) RemoveReferenceToken(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.referenceTokens[handle]; !ok {
		return fmt.Errorf("%w: reference token", ErrNotFound)
	}
	delete(s.referenceTokens, handle)
	return nil
}

// -----------------------
// Enumeration / bulk revocation
// -----------------------

// GetAllGrants enumerates live grants matching the filter.
func (s *MemoryStore) GetAllGrants(_ context.Context, filter GrantFilter) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var grants []Grant

	for handle, entry := range s.authCodes {
		c := entry.value
		if now.After(entry.expiresAt) || !filter.Matches(c.SubjectID, c.ClientID, c.SessionID) {
			continue
		}
		grants = append(grants, Grant{
			Handle:       handle,
			Kind:         KindAuthorizationCode,
			SubjectID:    c.SubjectID,
			ClientID:     c.ClientID,
			SessionID:    c.SessionID,
			Scopes:       slices.Clone(c.Scopes),
			CreationTime: c.CreationTime,
			Expiration:   entry.expiresAt,
		})
	}

	for handle, entry := range s.refreshTokens {
		t := entry.value
		if now.After(entry.expiresAt) || !filter.Matches(t.SubjectID, t.ClientID, t.SessionID) {
			continue
		}
		grants = append(grants, Grant{
			Handle:       handle,
			Kind:         KindRefreshToken,
			SubjectID:    t.SubjectID,
			ClientID:     t.ClientID,
			SessionID:    t.SessionID,
			Scopes:       slices.Clone(t.Scopes),
			CreationTime: t.CreationTime,
			Expiration:   entry.expiresAt,
		})
	}

	for handle, entry := range s.referenceTokens {
		t := entry.value
		if now.After(entry.expiresAt) || !filter.Matches(t.SubjectID, t.ClientID, t.SessionID) {
			continue
		}
		grants = append(grants, Grant{
			Handle:       handle,
			Kind:         KindReferenceToken,
			SubjectID:    t.SubjectID,
			ClientID:     t.ClientID,
			SessionID:    t.SessionID,
			Scopes:       slices.Clone(t.Scopes),
			CreationTime: t.CreationTime,
			Expiration:   entry.expiresAt,
		})
	}

	return grants, nil
}

// RemoveAllGrants deletes every grant matching the filter.
func (s *MemoryStore) RemoveAllGrants(_ context.Context, filter GrantFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for handle, entry := range s.authCodes {
		c := entry.value
		if filter.Matches(c.SubjectID, c.ClientID, c.SessionID) {
			delete(s.authCodes, handle)
		}
	}
	for handle, entry := range s.refreshTokens {
		t := entry.value
		if filter.Matches(t.SubjectID, t.ClientID, t.SessionID) {
			delete(s.refreshTokens, handle)
		}
	}
	for handle, entry := range s.referenceTokens {
		t := entry.value
		if filter.Matches(t.SubjectID, t.ClientID, t.SessionID) {
			delete(s.referenceTokens, handle)
		}
	}
	return nil
}

// -----------------------
// Consent
// -----------------------

// SaveConsent creates or replaces the consent record for (subject, client).
func (s *MemoryStore) SaveConsent(_ context.Context, consent *Consent) error {
	if consent == nil {
		return fmt.Errorf("consent cannot be nil")
	}
	if consent.SubjectID == "" || consent.ClientID == "" {
		return fmt.Errorf("consent requires subject and client identifiers")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.consents[consentKey(consent.SubjectID, consent.ClientID)] = &Consent{
		SubjectID:    consent.SubjectID,
		ClientID:     consent.ClientID,
		Scopes:       slices.Clone(consent.Scopes),
		CreationTime: consent.CreationTime,
	}
	return nil
}

// GetConsent returns the consent record for (subject, client).
func (s *MemoryStore) GetConsent(_ context.Context, subjectID, clientID string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey(subjectID, clientID)]
	if !ok {
		return nil, fmt.Errorf("%w: consent", ErrNotFound)
	}
	return &Consent{
		SubjectID:    consent.SubjectID,
		ClientID:     consent.ClientID,
		Scopes:       slices.Clone(consent.Scopes),
		CreationTime: consent.CreationTime,
	}, nil
}

// RemoveConsent deletes the consent record for (subject, client).
func (s *MemoryStore) RemoveConsent(_ context.Context, subjectID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(subjectID, clientID)
	if _, ok := s.consents[key]; !ok {
		return fmt.Errorf("%w: consent", ErrNotFound)
	}
	delete(s.consents, key)
	return nil
}

// -----------------------
// Assertion replay
// -----------------------

// AssertionJWTValid returns ErrReplay if the JTI is known and unexpired.
func (s *MemoryStore) AssertionJWTValid(_ context.Context, jti string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if exp, ok := s.assertionJWTs[jti]; ok {
		if time.Now().Before(exp) {
			return ErrReplay
		}
	}
	return nil
}

// SetAssertionJWT marks a JTI as seen until exp. Expired JTIs are swept
// opportunistically before inserting.
func (s *MemoryStore) SetAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, v := range s.assertionJWTs {
		if now.After(v) {
			delete(s.assertionJWTs, k)
		}
	}

	if exp.IsZero() {
		exp = now.Add(DefaultReplayTTL)
	}
	s.assertionJWTs[jti] = exp
	return nil
}

// Defensive copies prevent callers from mutating stored state through
// retained pointers.

func copyAuthorizationCode(c *AuthorizationCode) *AuthorizationCode {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	out.AuthenticationMethods = slices.Clone(c.AuthenticationMethods)
	out.SubjectClaims = c.SubjectClaims.Clone()
	return &out
}

func copyRefreshToken(t *RefreshToken) *RefreshToken {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	out.AuthenticationMethods = slices.Clone(t.AuthenticationMethods)
	out.SubjectClaims = t.SubjectClaims.Clone()
	return &out
}

func copyReferenceToken(t *ReferenceToken) *ReferenceToken {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	out.Claims = t.Claims.Clone()
	return &out
}

// Compile-time interface checks.
var (
	_ GrantStore   = (*MemoryStore)(nil)
	_ ConsentStore = (*MemoryStore)(nil)
	_ ReplayStore  = (*MemoryStore)(nil)
)
