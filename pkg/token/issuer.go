// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/stacklok/oidcore/pkg/authorize"
	"github.com/stacklok/oidcore/pkg/claims"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/storage"
)

// Default token lifetimes applied when the client configuration leaves
// them zero.
const (
	DefaultAccessTokenLifetime       = time.Hour
	DefaultIdentityTokenLifetime     = 5 * time.Minute
	DefaultAuthorizationCodeLifetime = 5 * time.Minute
	DefaultRefreshTokenLifetime      = 30 * 24 * time.Hour
)

// ProfileService supplies subject claims and liveness for token
// issuance. Deployments plug their user store in here.
type ProfileService interface {
	// ProfileClaims returns the subject's values for the requested claim
	// types. Unknown claim types are simply absent from the result.
	ProfileClaims(ctx context.Context, subjectID string, claimTypes []string) (claims.Set, error)

	// IsActive reports whether the subject may still be issued tokens.
	IsActive(ctx context.Context, subjectID string) (bool, error)
}

// StaticProfileService is a ProfileService backed by a fixed claim map.
// Subjects listed in Inactive are refused issuance.
type StaticProfileService struct {
	Claims   map[string]claims.Set
	Inactive map[string]bool
}

// ProfileClaims implements ProfileService.
func (s *StaticProfileService) ProfileClaims(_ context.Context, subjectID string, claimTypes []string) (claims.Set, error) {
	out := claims.New()
	subject, ok := s.Claims[subjectID]
	if !ok {
		return out, nil
	}
	for _, ct := range claimTypes {
		if subject.Has(ct) {
			out.AddAll(ct, subject.Values(ct)...)
		}
	}
	return out, nil
}

// IsActive implements ProfileService.
func (s *StaticProfileService) IsActive(_ context.Context, subjectID string) (bool, error) {
	return !s.Inactive[subjectID], nil
}

// Response is the token endpoint success payload.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthorizeIssued carries the artifacts produced for an authorize
// response: any of code, access token, and identity token depending on
// the response type.
type AuthorizeIssued struct {
	Code        string
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	IDToken     string
}

// Issuer computes claim sets and produces signed or reference tokens.
type Issuer struct {
	issuer  string
	keys    keys.Provider
	grants  storage.GrantStore
	profile ProfileService
}

// NewIssuer creates a token issuance service. issuer is the value of
// the iss claim in every produced token.
func NewIssuer(issuer string, keyProvider keys.Provider, grants storage.GrantStore, profile ProfileService) *Issuer {
	return &Issuer{
		issuer:  issuer,
		keys:    keyProvider,
		grants:  grants,
		profile: profile,
	}
}

// IssueForRequest produces the token response for a validated token
// request: the access token, an identity token when openid was granted
// to a subject, and a refresh token when offline_access was granted.
func (i *Issuer) IssueForRequest(ctx context.Context, req *ValidatedRequest) (*Response, *protocol.Error, error) {
	now := time.Now()

	subjectClaims, perr, err := i.resolveSubjectClaims(ctx, req.SubjectID, req.SubjectClaims, req.Scopes)
	if err != nil || perr != nil {
		return nil, perr, err
	}

	accessLifetime := lifetimeOrDefault(req.Client.AccessTokenLifetime, DefaultAccessTokenLifetime)
	accessToken, err := i.issueAccessToken(ctx, accessTokenInput{
		client:        req.Client,
		subjectID:     req.SubjectID,
		sessionID:     req.SessionID,
		granted:       req.Scopes,
		subjectClaims: subjectClaims,
		authTime:      req.AuthenticationTime,
		idp:           req.IdentityProvider,
		amr:           req.AuthenticationMethods,
		now:           now,
		lifetime:      accessLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   int64(accessLifetime.Seconds()),
		Scope:       strings.Join(req.Scopes.Scopes, " "),
	}

	if req.Scopes.ContainsOpenID() && req.SubjectID != "" {
		idToken, err := i.issueIdentityToken(ctx, identityTokenInput{
			client:        req.Client,
			subjectID:     req.SubjectID,
			sessionID:     req.SessionID,
			nonce:         req.Nonce,
			authTime:      req.AuthenticationTime,
			idp:           req.IdentityProvider,
			amr:           req.AuthenticationMethods,
			accessToken:   accessToken,
			subjectClaims: subjectClaims,
			now:           now,
		})
		if err != nil {
			return nil, nil, err
		}
		resp.IDToken = idToken
	}

	refreshToken, perr, err := i.issueRefreshToken(ctx, req, now)
	if err != nil || perr != nil {
		return nil, perr, err
	}
	resp.RefreshToken = refreshToken

	return resp, nil, nil
}

// IssueAuthorizationCode stores a new authorization code for an allowed
// authorize request and returns its handle.
func (i *Issuer) IssueAuthorizationCode(ctx context.Context, req *authorize.ValidatedRequest, subject *session.Subject) (string, error) {
	handle, err := storage.NewHandle()
	if err != nil {
		return "", fmt.Errorf("failed to generate code handle: %w", err)
	}

	code := &storage.AuthorizationCode{
		SubjectID:             subject.ID,
		ClientID:              req.Client.ID,
		SessionID:             subject.SessionID,
		RedirectURI:           req.RedirectURI,
		Scopes:                req.Scopes.Scopes,
		Nonce:                 req.Nonce,
		CodeChallenge:         req.CodeChallenge,
		CodeChallengeMethod:   req.CodeChallengeMethod,
		AuthenticationTime:    subject.AuthenticationTime,
		IdentityProvider:      subject.IdentityProvider,
		AuthenticationMethods: subject.AuthenticationMethods,
		SubjectClaims:         subject.Claims.Clone(),
		CreationTime:          time.Now(),
		Lifetime:              lifetimeOrDefault(req.Client.AuthorizationCodeLifetime, DefaultAuthorizationCodeLifetime),
	}

	if err := i.grants.StoreAuthorizationCode(ctx, handle, code); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return handle, nil
}

// IssueAuthorizeResponse produces the artifacts for an allowed
// authorize request per its response type: an authorization code, and
// for implicit/hybrid response types an access token and/or identity
// token delivered directly from the authorize endpoint.
func (i *Issuer) IssueAuthorizeResponse(ctx context.Context, req *authorize.ValidatedRequest, subject *session.Subject) (*AuthorizeIssued, *protocol.Error, error) {
	issued := &AuthorizeIssued{}
	now := time.Now()

	wantsCode := strings.Contains(req.ResponseType, protocol.ResponseTypeCode)
	wantsToken := false
	for _, part := range strings.Fields(req.ResponseType) {
		if part == protocol.ResponseTypeToken {
			wantsToken = true
		}
	}

	if wantsCode {
		code, err := i.IssueAuthorizationCode(ctx, req, subject)
		if err != nil {
			return nil, nil, err
		}
		issued.Code = code
	}

	subjectClaims, perr, err := i.resolveSubjectClaims(ctx, subject.ID, subject.Claims, req.Scopes)
	if err != nil || perr != nil {
		return nil, perr, err
	}

	if wantsToken {
		accessLifetime := lifetimeOrDefault(req.Client.AccessTokenLifetime, DefaultAccessTokenLifetime)
		accessToken, err := i.issueAccessToken(ctx, accessTokenInput{
			client:        req.Client,
			subjectID:     subject.ID,
			sessionID:     subject.SessionID,
			granted:       req.Scopes,
			subjectClaims: subjectClaims,
			authTime:      subject.AuthenticationTime,
			idp:           subject.IdentityProvider,
			amr:           subject.AuthenticationMethods,
			now:           now,
			lifetime:      accessLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		issued.AccessToken = accessToken
		issued.TokenType = protocol.TokenTypeBearer
		issued.ExpiresIn = int64(accessLifetime.Seconds())
	}

	if req.WantsIDToken() {
		idToken, err := i.issueIdentityToken(ctx, identityTokenInput{
			client:        req.Client,
			subjectID:     subject.ID,
			sessionID:     subject.SessionID,
			nonce:         req.Nonce,
			authTime:      subject.AuthenticationTime,
			idp:           subject.IdentityProvider,
			amr:           subject.AuthenticationMethods,
			accessToken:   issued.AccessToken,
			code:          issued.Code,
			subjectClaims: subjectClaims,
			now:           now,
		})
		if err != nil {
			return nil, nil, err
		}
		issued.IDToken = idToken
	}

	return issued, nil, nil
}

// resolveSubjectClaims merges the grant's claim snapshot with fresh
// profile claims for the resource-defined claim types, after checking
// the subject is still active.
func (i *Issuer) resolveSubjectClaims(ctx context.Context, subjectID string, snapshot claims.Set, granted *scopes.Granted) (claims.Set, *protocol.Error, error) {
	merged := claims.New()
	if snapshot != nil {
		merged.Merge(snapshot)
	}
	if subjectID == "" {
		return merged, nil, nil
	}

	active, err := i.profile.IsActive(ctx, subjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("subject liveness check failed: %w", err)
	}
	if !active {
		logger.Warnw("refusing issuance for inactive subject", "subject", subjectID)
		return nil, protocol.NewError(protocol.ErrorInvalidGrant, "subject is no longer active"), nil
	}

	claimTypes := resourceClaimTypes(granted)
	if len(claimTypes) > 0 {
		profileClaims, err := i.profile.ProfileClaims(ctx, subjectID, claimTypes)
		if err != nil {
			return nil, nil, fmt.Errorf("profile claim resolution failed: %w", err)
		}
		merged.Merge(profileClaims)
	}

	return merged, nil, nil
}

// resourceClaimTypes collects the claim types defined by the granted
// identity resources, API resources, and API scopes.
func resourceClaimTypes(granted *scopes.Granted) []string {
	set := claims.New()
	for _, id := range granted.Resources.Identity {
		set.AddAll("types", id.ClaimTypes...)
	}
	for _, api := range granted.Resources.APIs {
		set.AddAll("types", api.ClaimTypes...)
		for _, scope := range api.Scopes {
			set.AddAll("types", scope.ClaimTypes...)
		}
	}
	return set.Values("types")
}

type accessTokenInput struct {
	client        *registry.Client
	subjectID     string
	sessionID     string
	granted       *scopes.Granted
	subjectClaims claims.Set
	authTime      time.Time
	idp           string
	amr           []string
	now           time.Time
	lifetime      time.Duration
}

// issueAccessToken produces either a signed JWT or a stored reference
// handle per the client's access token format.
func (i *Issuer) issueAccessToken(ctx context.Context, in accessTokenInput) (string, error) {
	payload := map[string]any{
		protocol.ClaimIssuer:     i.issuer,
		protocol.ClaimJWTID:      uuid.NewString(),
		protocol.ClaimClientID:   in.client.ID,
		protocol.ClaimIssuedAt:   in.now.Unix(),
		protocol.ClaimNotBefore:  in.now.Unix(),
		protocol.ClaimExpiration: in.now.Add(in.lifetime).Unix(),
		protocol.ClaimScope:      in.granted.Scopes,
	}
	if audiences := in.granted.Audiences(); len(audiences) > 0 {
		payload[protocol.ClaimAudience] = singleOrSlice(audiences)
	}
	if in.subjectID != "" {
		payload[protocol.ClaimSubject] = in.subjectID
		payload[protocol.ClaimIdentityProvider] = in.idp
		if !in.authTime.IsZero() {
			payload[protocol.ClaimAuthTime] = in.authTime.Unix()
		}
		if len(in.amr) > 0 {
			payload[protocol.ClaimAuthMethod] = in.amr
		}
	}
	if in.sessionID != "" {
		payload[protocol.ClaimSessionID] = in.sessionID
	}
	for claimType, value := range in.client.Claims {
		setIfAbsent(payload, claimType, value)
	}
	for claimType, values := range in.subjectClaims {
		setIfAbsent(payload, claimType, singleOrSlice(values))
	}

	if in.client.AccessTokenFormat == registry.AccessTokenReference {
		return i.storeReferenceToken(ctx, in, payload)
	}
	return i.signPayload(ctx, payload)
}

// storeReferenceToken persists the claim payload behind an opaque
// handle.
func (i *Issuer) storeReferenceToken(ctx context.Context, in accessTokenInput, payload map[string]any) (string, error) {
	handle, err := storage.NewHandle()
	if err != nil {
		return "", fmt.Errorf("failed to generate token handle: %w", err)
	}

	stored := claims.New()
	for claimType, value := range payload {
		switch v := value.(type) {
		case string:
			stored.Add(claimType, v)
		case []string:
			stored.AddAll(claimType, v...)
		case int64:
			stored.Add(claimType, fmt.Sprintf("%d", v))
		}
	}

	err = i.grants.StoreReferenceToken(ctx, handle, &storage.ReferenceToken{
		SubjectID:    in.subjectID,
		ClientID:     in.client.ID,
		SessionID:    in.sessionID,
		Scopes:       in.granted.Scopes,
		Claims:       stored,
		CreationTime: in.now,
		Lifetime:     in.lifetime,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store reference token: %w", err)
	}
	return handle, nil
}

type identityTokenInput struct {
	client        *registry.Client
	subjectID     string
	sessionID     string
	nonce         string
	authTime      time.Time
	idp           string
	amr           []string
	accessToken   string
	code          string
	subjectClaims claims.Set
	now           time.Time
}

// issueIdentityToken produces the signed identity token, attaching
// at_hash and c_hash for the companion artifacts when present.
func (i *Issuer) issueIdentityToken(ctx context.Context, in identityTokenInput) (string, error) {
	lifetime := lifetimeOrDefault(in.client.IdentityTokenLifetime, DefaultIdentityTokenLifetime)

	payload := map[string]any{
		protocol.ClaimIssuer:     i.issuer,
		protocol.ClaimSubject:    in.subjectID,
		protocol.ClaimAudience:   in.client.ID,
		protocol.ClaimIssuedAt:   in.now.Unix(),
		protocol.ClaimExpiration: in.now.Add(lifetime).Unix(),
	}
	if !in.authTime.IsZero() {
		payload[protocol.ClaimAuthTime] = in.authTime.Unix()
	}
	if in.idp != "" {
		payload[protocol.ClaimIdentityProvider] = in.idp
	}
	if len(in.amr) > 0 {
		payload[protocol.ClaimAuthMethod] = in.amr
	}
	if in.nonce != "" {
		payload[protocol.ClaimNonce] = in.nonce
	}
	if in.sessionID != "" {
		payload[protocol.ClaimSessionID] = in.sessionID
	}

	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}

	if in.accessToken != "" {
		digest, err := halfHash(key.Algorithm, in.accessToken)
		if err != nil {
			return "", err
		}
		payload[protocol.ClaimAccessTokenHash] = digest
	}
	if in.code != "" {
		digest, err := halfHash(key.Algorithm, in.code)
		if err != nil {
			return "", err
		}
		payload[protocol.ClaimAuthorizationHash] = digest
	}

	// Identity claims released by identity resources.
	for claimType, values := range in.subjectClaims {
		setIfAbsent(payload, claimType, singleOrSlice(values))
	}

	return i.sign(key, payload)
}

// issueRefreshToken creates or rotates a refresh token when
// offline_access was granted. Returns empty when no refresh token
// applies to the request.
func (i *Issuer) issueRefreshToken(ctx context.Context, req *ValidatedRequest, now time.Time) (string, *protocol.Error, error) {
	if !req.Scopes.OfflineAccess || req.SubjectID == "" {
		return "", nil, nil
	}

	lifetime := lifetimeOrDefault(req.Client.RefreshTokenLifetime, DefaultRefreshTokenLifetime)

	if req.RefreshToken != nil {
		// Redemption of an existing refresh token: rotate or reuse per
		// client policy.
		updated := *req.RefreshToken
		updated.ConsumedCount++
		updated.Scopes = req.RefreshToken.Scopes

		if req.Client.RotateRefreshTokens {
			newHandle, err := storage.NewHandle()
			if err != nil {
				return "", nil, fmt.Errorf("failed to generate refresh handle: %w", err)
			}
			updated.CreationTime = now
			updated.Lifetime = lifetime
			if err := i.grants.RotateRefreshToken(ctx, req.RefreshTokenHandle, newHandle, &updated); err != nil {
				// A concurrent redemption already rotated the handle away.
				if errors.Is(err, storage.ErrNotFound) {
					logger.Debugw("refresh token rotated concurrently", "client_id", req.Client.ID)
					return "", protocol.NewError(protocol.ErrorInvalidGrant, "invalid refresh token"), nil
				}
				return "", nil, fmt.Errorf("failed to rotate refresh token: %w", err)
			}
			return newHandle, nil, nil
		}

		if err := i.grants.UpdateRefreshToken(ctx, req.RefreshTokenHandle, &updated); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				logger.Debugw("refresh token revoked concurrently", "client_id", req.Client.ID)
				return "", protocol.NewError(protocol.ErrorInvalidGrant, "invalid refresh token"), nil
			}
			return "", nil, fmt.Errorf("failed to update refresh token: %w", err)
		}
		return req.RefreshTokenHandle, nil, nil
	}

	handle, err := storage.NewHandle()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate refresh handle: %w", err)
	}
	err = i.grants.StoreRefreshToken(ctx, handle, &storage.RefreshToken{
		SubjectID:             req.SubjectID,
		ClientID:              req.Client.ID,
		SessionID:             req.SessionID,
		Scopes:                req.Scopes.Scopes,
		AuthenticationTime:    req.AuthenticationTime,
		IdentityProvider:      req.IdentityProvider,
		AuthenticationMethods: req.AuthenticationMethods,
		SubjectClaims:         req.SubjectClaims.Clone(),
		CreationTime:          now,
		Lifetime:              lifetime,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return handle, nil, nil
}

// LogoutTokenLifetime bounds logout token validity; back-channel
// notifications are delivered immediately so the window is short.
const LogoutTokenLifetime = 5 * time.Minute

// IssueLogoutToken produces a signed back-channel logout token (OIDC
// Back-Channel Logout 1.0 Section 2.4) for the given client.
func (i *Issuer) IssueLogoutToken(ctx context.Context, clientID, subjectID, sessionID string, includeSID bool) (string, error) {
	now := time.Now()
	payload := map[string]any{
		protocol.ClaimIssuer:     i.issuer,
		protocol.ClaimSubject:    subjectID,
		protocol.ClaimAudience:   clientID,
		protocol.ClaimIssuedAt:   now.Unix(),
		protocol.ClaimExpiration: now.Add(LogoutTokenLifetime).Unix(),
		protocol.ClaimJWTID:      uuid.NewString(),
		protocol.ClaimEvents: map[string]any{
			protocol.ClaimBackchannelLogout: map[string]any{},
		},
	}
	if includeSID && sessionID != "" {
		payload[protocol.ClaimSessionID] = sessionID
	}
	return i.signPayload(ctx, payload)
}

// signPayload signs a claim payload with the current signing key.
func (i *Issuer) signPayload(ctx context.Context, payload map[string]any) (string, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}
	return i.sign(key, payload)
}

func (i *Issuer) sign(key *keys.SigningKeyData, payload map[string]any) (string, error) {
	opts := (&jose.SignerOptions{}).WithHeader("kid", key.KeyID).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       key.Key,
	}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to construct signer: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	jws, err := signer.Sign(raw)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return jws.CompactSerialize()
}

// halfHash computes the OIDC half digest (at_hash, c_hash): the left
// half of the signing algorithm's hash over the value, base64url
// encoded.
func halfHash(algorithm, value string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(algorithm, "256"):
		h = sha256.New()
	case strings.HasSuffix(algorithm, "384"):
		h = sha512.New384()
	case strings.HasSuffix(algorithm, "512"), algorithm == "EdDSA":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported algorithm for token hash: %s", algorithm)
	}

	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func lifetimeOrDefault(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}

// singleOrSlice collapses a one-element list to its value so common
// claims serialize as plain strings.
func singleOrSlice(values []string) any {
	if len(values) == 1 {
		return values[0]
	}
	return values
}

func setIfAbsent(payload map[string]any, claimType string, value any) {
	if _, exists := payload[claimType]; !exists {
		payload[claimType] = value
	}
}
