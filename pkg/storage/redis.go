// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/oidcore/pkg/claims"
	"github.com/stacklok/oidcore/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "oidcore:grants:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements GrantStore, ConsentStore, and ReplayStore on a
// Redis backend, enabling horizontal scaling across server replicas.
//
// Atomicity requirements are met with single Redis commands: GETDEL for
// authorization-code consumption and refresh-token rotation, SET NX for
// replay marking. Secondary index sets (by subject and by client) back
// the enumeration and bulk-revocation operations; stale index members
// are pruned on read.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// storedGrant is the serializable envelope for all grant kinds. Kind
// discriminates which payload fields are meaningful.
type storedGrant struct {
	Kind                  string              `json:"kind"`
	SubjectID             string              `json:"subject_id,omitempty"`
	ClientID              string              `json:"client_id"`
	SessionID             string              `json:"session_id,omitempty"`
	RedirectURI           string              `json:"redirect_uri,omitempty"`
	Scopes                []string            `json:"scopes,omitempty"`
	Nonce                 string              `json:"nonce,omitempty"`
	CodeChallenge         string              `json:"code_challenge,omitempty"`
	CodeChallengeMethod   string              `json:"code_challenge_method,omitempty"`
	AuthenticationTime    time.Time           `json:"auth_time,omitempty"`
	IdentityProvider      string              `json:"idp,omitempty"`
	AuthenticationMethods []string            `json:"amr,omitempty"`
	SubjectClaims         map[string][]string `json:"subject_claims,omitempty"`
	Claims                map[string][]string `json:"claims,omitempty"`
	CreationTime          time.Time           `json:"creation_time"`
	LifetimeSeconds       int64               `json:"lifetime_seconds"`
	ConsumedCount         int                 `json:"consumed_count,omitempty"`
}

// storedConsent is the serializable consent record.
type storedConsent struct {
	SubjectID    string    `json:"subject_id"`
	ClientID     string    `json:"client_id"`
	Scopes       []string  `json:"scopes"`
	CreationTime time.Time `json:"creation_time"`
}

// NewRedisStore creates Redis-backed grant storage. Returns an error if
// the connection cannot be established.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) grantKey(kind, handle string) string {
	return fmt.Sprintf("%sgrant:%s:%s", s.keyPrefix, kind, handle)
}

func (s *RedisStore) subjectIndexKey(subjectID string) string {
	return fmt.Sprintf("%sidx:subject:%s", s.keyPrefix, subjectID)
}

func (s *RedisStore) clientIndexKey(clientID string) string {
	return fmt.Sprintf("%sidx:client:%s", s.keyPrefix, clientID)
}

func (s *RedisStore) consentRedisKey(subjectID, clientID string) string {
	return fmt.Sprintf("%sconsent:%d:%s:%s", s.keyPrefix, len(subjectID), subjectID, clientID)
}

func (s *RedisStore) jtiKey(jti string) string {
	return fmt.Sprintf("%sjti:%s", s.keyPrefix, jti)
}

// indexMember encodes a grant reference for the secondary index sets.
func indexMember(kind, handle string) string {
	return kind + ":" + handle
}

// storeGrant serializes and writes a grant with TTL plus index entries.
func (s *RedisStore) storeGrant(ctx context.Context, kind, handle string, grant *storedGrant) error {
	ttl := time.Until(grant.CreationTime.Add(time.Duration(grant.LifetimeSeconds) * time.Second))
	if ttl <= 0 {
		return fmt.Errorf("grant is already expired")
	}

	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to serialize grant: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.grantKey(kind, handle), data, ttl)
	member := indexMember(kind, handle)
	if grant.SubjectID != "" {
		pipe.SAdd(ctx, s.subjectIndexKey(grant.SubjectID), member)
	}
	pipe.SAdd(ctx, s.clientIndexKey(grant.ClientID), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// getGrant reads and deserializes a grant. Returns ErrNotFound when the
// key is absent (the TTL has removed expired records).
func (s *RedisStore) getGrant(ctx context.Context, kind, handle string) (*storedGrant, error) {
	data, err := s.client.Get(ctx, s.grantKey(kind, handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant: %w", err)
	}

	var grant storedGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("failed to deserialize grant: %w", err)
	}
	return &grant, nil
}

// consumeGrant atomically retrieves and deletes a grant via GETDEL, so
// two concurrent consumers of the same handle cannot both succeed.
func (s *RedisStore) consumeGrant(ctx context.Context, kind, handle string) (*storedGrant, error) {
	data, err := s.client.GetDel(ctx, s.grantKey(kind, handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}

	var grant storedGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("failed to deserialize grant: %w", err)
	}

	s.removeIndexEntries(ctx, kind, handle, &grant)
	return &grant, nil
}

func (s *RedisStore) removeIndexEntries(ctx context.Context, kind, handle string, grant *storedGrant) {
	member := indexMember(kind, handle)
	pipe := s.client.TxPipeline()
	if grant.SubjectID != "" {
		pipe.SRem(ctx, s.subjectIndexKey(grant.SubjectID), member)
	}
	pipe.SRem(ctx, s.clientIndexKey(grant.ClientID), member)
	if _, err := pipe.Exec(ctx); err != nil {
		// Index cleanup is best effort; stale members are pruned on read.
		logger.Debugw("failed to prune grant index", "error", err.Error())
	}
}

// -----------------------
// Authorization codes
// -----------------------

// StoreAuthorizationCode persists a code under the given handle.
func (s *RedisStore) StoreAuthorizationCode(ctx context.Context, handle string, code *AuthorizationCode) error {
	if handle == "" {
		return fmt.Errorf("authorization code handle cannot be empty")
	}
	if code == nil {
		return fmt.Errorf("authorization code cannot be nil")
	}

	return s.storeGrant(ctx, KindAuthorizationCode, handle, &storedGrant{
		Kind:                  KindAuthorizationCode,
		SubjectID:             code.SubjectID,
		ClientID:              code.ClientID,
		SessionID:             code.SessionID,
		RedirectURI:           code.RedirectURI,
		Scopes:                code.Scopes,
		Nonce:                 code.Nonce,
		CodeChallenge:         code.CodeChallenge,
		CodeChallengeMethod:   code.CodeChallengeMethod,
		AuthenticationTime:    code.AuthenticationTime,
		IdentityProvider:      code.IdentityProvider,
		AuthenticationMethods: code.AuthenticationMethods,
		SubjectClaims:         code.SubjectClaims,
		CreationTime:          code.CreationTime,
		LifetimeSeconds:       int64(code.Lifetime / time.Second),
	})
}

// ConsumeAuthorizationCode atomically retrieves and deletes the code.
func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, handle string) (*AuthorizationCode, error) {
	grant, err := s.consumeGrant(ctx, KindAuthorizationCode, handle)
	if err != nil {
		return nil, err
	}

	code := &AuthorizationCode{
		SubjectID:             grant.SubjectID,
		ClientID:              grant.ClientID,
		SessionID:             grant.SessionID,
		RedirectURI:           grant.RedirectURI,
		Scopes:                grant.Scopes,
		Nonce:                 grant.Nonce,
		CodeChallenge:         grant.CodeChallenge,
		CodeChallengeMethod:   grant.CodeChallengeMethod,
		AuthenticationTime:    grant.AuthenticationTime,
		IdentityProvider:      grant.IdentityProvider,
		AuthenticationMethods: grant.AuthenticationMethods,
		SubjectClaims:         claims.Set(grant.SubjectClaims),
		CreationTime:          grant.CreationTime,
		Lifetime:              time.Duration(grant.LifetimeSeconds) * time.Second,
	}

	// The Redis TTL normally removes expired codes, but clock skew between
	// creation and TTL application can leave a brief window.
	if code.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: authorization code", ErrExpired)
	}
	return code, nil
}

// -----------------------
// Refresh tokens
// -----------------------

func refreshFromStored(grant *storedGrant) *RefreshToken {
	return &RefreshToken{
		SubjectID:             grant.SubjectID,
		ClientID:              grant.ClientID,
		SessionID:             grant.SessionID,
		Scopes:                grant.Scopes,
		AuthenticationTime:    grant.AuthenticationTime,
		IdentityProvider:      grant.IdentityProvider,
		AuthenticationMethods: grant.AuthenticationMethods,
		SubjectClaims:         claims.Set(grant.SubjectClaims),
		CreationTime:          grant.CreationTime,
		Lifetime:              time.Duration(grant.LifetimeSeconds) * time.Second,
		ConsumedCount:         grant.ConsumedCount,
	}
}

func storedFromRefresh(token *RefreshToken) *storedGrant {
	return &storedGrant{
		Kind:                  KindRefreshToken,
		SubjectID:             token.SubjectID,
		ClientID:              token.ClientID,
		SessionID:             token.SessionID,
		Scopes:                token.Scopes,
		AuthenticationTime:    token.AuthenticationTime,
		IdentityProvider:      token.IdentityProvider,
		AuthenticationMethods: token.AuthenticationMethods,
		SubjectClaims:         token.SubjectClaims,
		CreationTime:          token.CreationTime,
		LifetimeSeconds:       int64(token.Lifetime / time.Second),
		ConsumedCount:         token.ConsumedCount,
	}
}

// StoreRefreshToken persists a refresh token under the given handle.
func (s *RedisStore) StoreRefreshToken(ctx context.Context, handle string, token *RefreshToken) error {
	if handle == "" {
		return fmt.Errorf("refresh token handle cannot be empty")
	}
	if token == nil {
		return fmt.Errorf("refresh token cannot be nil")
	}
	return s.storeGrant(ctx, KindRefreshToken, handle, storedFromRefresh(token))
}

// GetRefreshToken retrieves a refresh token without consuming it.
func (s *RedisStore) GetRefreshToken(ctx context.Context, handle string) (*RefreshToken, error) {
	grant, err := s.getGrant(ctx, KindRefreshToken, handle)
	if err != nil {
		return nil, err
	}

	token := refreshFromStored(grant)
	if token.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token", ErrExpired)
	}
	return token, nil
}

// UpdateRefreshToken replaces the stored token under the same handle.
func (s *RedisStore) UpdateRefreshToken(ctx context.Context, handle string, token *RefreshToken) error {
	exists, err := s.client.Exists(ctx, s.grantKey(KindRefreshToken, handle)).Result()
	if err != nil {
		return fmt.Errorf("failed to check refresh token: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return s.storeGrant(ctx, KindRefreshToken, handle, storedFromRefresh(token))
}

// RotateRefreshToken atomically removes oldHandle and stores token under
// newHandle. GETDEL guarantees only one rotator wins the old handle.
func (s *RedisStore) RotateRefreshToken(ctx context.Context, oldHandle, newHandle string, token *RefreshToken) error {
	if _, err := s.consumeGrant(ctx, KindRefreshToken, oldHandle); err != nil {
		return err
	}

	return s.storeGrant(ctx, KindRefreshToken, newHandle, storedFromRefresh(token))
}

// RemoveRefreshToken deletes a refresh token.
func (s *RedisStore) RemoveRefreshToken(ctx context.Context, handle string) error {
	_, err := s.consumeGrant(ctx, KindRefreshToken, handle)
	return err
}

// -----------------------
// Reference tokens
// -----------------------

// StoreReferenceToken persists a reference token under the given handle.
func (s *RedisStore) StoreReferenceToken(ctx context.Context, handle string, token *ReferenceToken) error {
	if handle == "" {
		return fmt.Errorf("reference token handle cannot be empty")
	}
	if token == nil {
		return fmt.Errorf("reference token cannot be nil")
	}

	return s.storeGrant(ctx, KindReferenceToken, handle, &storedGrant{
		Kind:            KindReferenceToken,
		SubjectID:       token.SubjectID,
		ClientID:        token.ClientID,
		SessionID:       token.SessionID,
		Scopes:          token.Scopes,
		Claims:          token.Claims,
		CreationTime:    token.CreationTime,
		LifetimeSeconds: int64(token.Lifetime / time.Second),
	})
}

// GetReferenceToken retrieves a reference token.
func (s *RedisStore) GetReferenceToken(ctx context.Context, handle string) (*ReferenceToken, error) {
	grant, err := s.getGrant(ctx, KindReferenceToken, handle)
	if err != nil {
		return nil, err
	}

	token := &ReferenceToken{
		SubjectID:    grant.SubjectID,
		ClientID:     grant.ClientID,
		SessionID:    grant.SessionID,
		Scopes:       grant.Scopes,
		Claims:       claims.Set(grant.Claims),
		CreationTime: grant.CreationTime,
		Lifetime:     time.Duration(grant.LifetimeSeconds) * time.Second,
	}
	if token.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: reference token", ErrExpired)
	}
	return token, nil
}

// RemoveReferenceToken deletes a reference token.
func (s *RedisStore) RemoveReferenceToken(ctx context.Context, handle string) error {
	_, err := s.consumeGrant(ctx, KindReferenceToken, handle)
	return err
}

// -----------------------
// Enumeration / bulk revocation
// -----------------------

// grantRefsForFilter collects candidate (kind, handle) references from
// the narrowest available index.
func (s *RedisStore) grantRefsForFilter(ctx context.Context, filter GrantFilter) ([]string, string, error) {
	switch {
	case filter.SubjectID != "":
		members, err := s.client.SMembers(ctx, s.subjectIndexKey(filter.SubjectID)).Result()
		return members, s.subjectIndexKey(filter.SubjectID), err
	case filter.ClientID != "":
		members, err := s.client.SMembers(ctx, s.clientIndexKey(filter.ClientID)).Result()
		return members, s.clientIndexKey(filter.ClientID), err
	default:
		return nil, "", fmt.Errorf("grant filter requires a subject or client identifier")
	}
}

func splitIndexMember(member string) (kind, handle string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

// GetAllGrants enumerates live grants matching the filter. Stale index
// members (whose grant key has expired) are pruned as they are found.
func (s *RedisStore) GetAllGrants(ctx context.Context, filter GrantFilter) ([]Grant, error) {
	members, indexKey, err := s.grantRefsForFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	var grants []Grant
	for _, member := range members {
		kind, handle, ok := splitIndexMember(member)
		if !ok {
			continue
		}

		grant, err := s.getGrant(ctx, kind, handle)
		if errors.Is(err, ErrNotFound) {
			// TTL removed the grant; drop the stale index member.
			_ = s.client.SRem(ctx, indexKey, member).Err()
			continue
		}
		if err != nil {
			return nil, err
		}

		if !filter.Matches(grant.SubjectID, grant.ClientID, grant.SessionID) {
			continue
		}

		grants = append(grants, Grant{
			Handle:       handle,
			Kind:         kind,
			SubjectID:    grant.SubjectID,
			ClientID:     grant.ClientID,
			SessionID:    grant.SessionID,
			Scopes:       grant.Scopes,
			CreationTime: grant.CreationTime,
			Expiration:   grant.CreationTime.Add(time.Duration(grant.LifetimeSeconds) * time.Second),
		})
	}

	return grants, nil
}

// RemoveAllGrants deletes every grant matching the filter.
func (s *RedisStore) RemoveAllGrants(ctx context.Context, filter GrantFilter) error {
	grants, err := s.GetAllGrants(ctx, filter)
	if err != nil {
		return err
	}

	for _, grant := range grants {
		if _, err := s.consumeGrant(ctx, grant.Kind, grant.Handle); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// -----------------------
// Consent
// -----------------------

// SaveConsent creates or replaces the consent record for (subject, client).
func (s *RedisStore) SaveConsent(ctx context.Context, consent *Consent) error {
	if consent == nil {
		return fmt.Errorf("consent cannot be nil")
	}
	if consent.SubjectID == "" || consent.ClientID == "" {
		return fmt.Errorf("consent requires subject and client identifiers")
	}

	data, err := json.Marshal(&storedConsent{
		SubjectID:    consent.SubjectID,
		ClientID:     consent.ClientID,
		Scopes:       consent.Scopes,
		CreationTime: consent.CreationTime,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize consent: %w", err)
	}

	// Consent has no TTL; it lives until revoked.
	if err := s.client.Set(ctx, s.consentRedisKey(consent.SubjectID, consent.ClientID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// GetConsent returns the consent record for (subject, client).
func (s *RedisStore) GetConsent(ctx context.Context, subjectID, clientID string) (*Consent, error) {
	data, err := s.client.Get(ctx, s.consentRedisKey(subjectID, clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: consent", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read consent: %w", err)
	}

	var stored storedConsent
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to deserialize consent: %w", err)
	}

	return &Consent{
		SubjectID:    stored.SubjectID,
		ClientID:     stored.ClientID,
		Scopes:       stored.Scopes,
		CreationTime: stored.CreationTime,
	}, nil
}

// RemoveConsent deletes the consent record for (subject, client).
func (s *RedisStore) RemoveConsent(ctx context.Context, subjectID, clientID string) error {
	removed, err := s.client.Del(ctx, s.consentRedisKey(subjectID, clientID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: consent", ErrNotFound)
	}
	return nil
}

// -----------------------
// Assertion replay
// -----------------------

// AssertionJWTValid returns ErrReplay if the JTI key still exists.
func (s *RedisStore) AssertionJWTValid(ctx context.Context, jti string) error {
	exists, err := s.client.Exists(ctx, s.jtiKey(jti)).Result()
	if err != nil {
		return fmt.Errorf("failed to check assertion jti: %w", err)
	}
	if exists > 0 {
		return ErrReplay
	}
	return nil
}

// SetAssertionJWT marks a JTI as seen until exp via key TTL.
func (s *RedisStore) SetAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	if err := s.client.Set(ctx, s.jtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to store assertion jti: %w", err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ GrantStore   = (*RedisStore)(nil)
	_ ConsentStore = (*RedisStore)(nil)
	_ ReplayStore  = (*RedisStore)(nil)
)
