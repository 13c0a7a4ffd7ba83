// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/secrets"
	"github.com/stacklok/oidcore/pkg/storage"
)

// IntrospectionHandler implements RFC 7662 token introspection for
// reference tokens, refresh tokens, and locally issued JWTs. Every
// failure mode answers active:false with no further detail.
type IntrospectionHandler struct {
	auth   *secrets.ClientAuthenticator
	grants storage.GrantStore
	keys   keys.Provider
	issuer string
}

// NewIntrospectionHandler wires the introspection endpoint.
func NewIntrospectionHandler(auth *secrets.ClientAuthenticator, grants storage.GrantStore, keyProvider keys.Provider, issuer string) *IntrospectionHandler {
	return &IntrospectionHandler{
		auth:   auth,
		grants: grants,
		keys:   keyProvider,
		issuer: issuer,
	}
}

// ServeHTTP implements http.Handler.
func (h *IntrospectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	_, perr, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}

	tokenValue := r.PostForm.Get("token")
	if tokenValue == "" {
		writeProtocolError(w, protocol.NewError(protocol.ErrorInvalidRequest, "token is required"))
		return
	}
	hint := r.PostForm.Get("token_type_hint")

	result := h.introspect(r.Context(), tokenValue, hint)
	writeJSON(w, http.StatusOK, result)
}

// introspect resolves the token by hint order, falling back across
// stores, then to local JWT verification.
func (h *IntrospectionHandler) introspect(ctx context.Context, tokenValue, hint string) map[string]any {
	lookups := []func(context.Context, string) (map[string]any, bool){
		h.lookupReferenceToken,
		h.lookupRefreshToken,
	}
	if hint == protocol.TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		if result, ok := lookup(ctx, tokenValue); ok {
			return result
		}
	}

	if result, ok := h.verifyJWT(ctx, tokenValue); ok {
		return result
	}

	return map[string]any{"active": false}
}

func (h *IntrospectionHandler) lookupReferenceToken(ctx context.Context, handle string) (map[string]any, bool) {
	token, err := h.grants.GetReferenceToken(ctx, handle)
	if err != nil {
		return nil, false
	}

	result := map[string]any{
		"active":                 true,
		"token_type":             protocol.TokenTypeHintAccessToken,
		protocol.ClaimClientID:   token.ClientID,
		protocol.ClaimScope:      strings.Join(token.Scopes, " "),
		protocol.ClaimIssuedAt:   token.CreationTime.Unix(),
		protocol.ClaimExpiration: token.CreationTime.Add(token.Lifetime).Unix(),
	}
	if token.SubjectID != "" {
		result[protocol.ClaimSubject] = token.SubjectID
	}
	for claimType, values := range token.Claims {
		if _, exists := result[claimType]; !exists {
			if len(values) == 1 {
				result[claimType] = values[0]
			} else {
				result[claimType] = values
			}
		}
	}
	return result, true
}

func (h *IntrospectionHandler) lookupRefreshToken(ctx context.Context, handle string) (map[string]any, bool) {
	token, err := h.grants.GetRefreshToken(ctx, handle)
	if err != nil {
		return nil, false
	}

	return map[string]any{
		"active":                 true,
		"token_type":             protocol.TokenTypeHintRefreshToken,
		protocol.ClaimClientID:   token.ClientID,
		protocol.ClaimSubject:    token.SubjectID,
		protocol.ClaimScope:      strings.Join(token.Scopes, " "),
		protocol.ClaimIssuedAt:   token.CreationTime.Unix(),
		protocol.ClaimExpiration: token.CreationTime.Add(token.Lifetime).Unix(),
	}, true
}

// verifyJWT checks a self-contained access token against the signing
// key set and the issuer, and rejects expired tokens.
func (h *IntrospectionHandler) verifyJWT(ctx context.Context, tokenValue string) (map[string]any, bool) {
	sig, err := jose.ParseSigned(tokenValue, supportedSignatureAlgorithms)
	if err != nil {
		return nil, false
	}

	publicKeys, err := h.keys.PublicKeys(ctx)
	if err != nil {
		logger.Errorw("failed to load public keys for introspection", "error", err)
		return nil, false
	}

	var payload []byte
	for _, key := range publicKeys {
		if payload, err = sig.Verify(key.PublicKey); err == nil {
			break
		}
	}
	if payload == nil {
		return nil, false
	}

	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, false
	}
	if iss, _ := parsed[protocol.ClaimIssuer].(string); iss != h.issuer {
		return nil, false
	}
	exp, ok := parsed[protocol.ClaimExpiration].(float64)
	if !ok || time.Now().After(time.Unix(int64(exp), 0)) {
		return nil, false
	}

	result := map[string]any{
		"active":     true,
		"token_type": protocol.TokenTypeHintAccessToken,
	}
	for claimType, value := range parsed {
		result[claimType] = value
	}
	if scopeValues, ok := parsed[protocol.ClaimScope].([]any); ok {
		// Introspection responses carry scope as a single string.
		parts := make([]string, 0, len(scopeValues))
		for _, v := range scopeValues {
			if s, ok := v.(string); ok {
				parts = append(parts, s)
			}
		}
		result[protocol.ClaimScope] = strings.Join(parts, " ")
	}
	return result, true
}

// supportedSignatureAlgorithms are the algorithms this server ever
// signs with.
var supportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}
