// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"context"
	"errors"
	"net/http"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/secrets"
	"github.com/stacklok/oidcore/pkg/storage"
)

// RevocationHandler implements RFC 7009 token revocation for reference
// access tokens and refresh tokens. An unknown token still answers 200
// so callers cannot probe which tokens exist; only an unsupported
// token_type_hint is a protocol error.
type RevocationHandler struct {
	auth   *secrets.ClientAuthenticator
	grants storage.GrantStore
}

// NewRevocationHandler wires the revocation endpoint.
func NewRevocationHandler(auth *secrets.ClientAuthenticator, grants storage.GrantStore) *RevocationHandler {
	return &RevocationHandler{
		auth:   auth,
		grants: grants,
	}
}

// ServeHTTP implements http.Handler.
func (h *RevocationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	client, perr, err := h.auth.Authenticate(r.Context(), r)
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
	switch hint {
	case "", protocol.TokenTypeHintAccessToken, protocol.TokenTypeHintRefreshToken:
	default:
		writeProtocolError(w, protocol.NewError(protocol.ErrorUnsupportedTokenType, "unsupported token_type_hint"))
		return
	}

	if err := h.revoke(r.Context(), client.ID, tokenValue, hint); err != nil {
		writeServerError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// revoke removes the token from the store the hint names, falling back
// to the other store when the hint missed or was absent. A client may
// only revoke its own tokens; a mismatch is treated like not-found.
func (h *RevocationHandler) revoke(ctx context.Context, clientID, tokenValue, hint string) error {
	tryAccess := func() (bool, error) {
		token, err := h.grants.GetReferenceToken(ctx, tokenValue)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
				return false, nil
			}
			return false, err
		}
		if token.ClientID != clientID {
			logger.Warnw("revocation attempt for another client's token",
				"client_id", clientID, "owner", token.ClientID)
			return true, nil
		}
		return true, h.grants.RemoveReferenceToken(ctx, tokenValue)
	}
	tryRefresh := func() (bool, error) {
		token, err := h.grants.GetRefreshToken(ctx, tokenValue)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
				return false, nil
			}
			return false, err
		}
		if token.ClientID != clientID {
			logger.Warnw("revocation attempt for another client's token",
				"client_id", clientID, "owner", token.ClientID)
			return true, nil
		}
		return true, h.grants.RemoveRefreshToken(ctx, tokenValue)
	}

	attempts := []func() (bool, error){tryAccess, tryRefresh}
	if hint == protocol.TokenTypeHintRefreshToken {
		attempts[0], attempts[1] = attempts[1], attempts[0]
	}

	for _, attempt := range attempts {
		done, err := attempt()
		if err != nil || done {
			return err
		}
	}
	return nil
}
