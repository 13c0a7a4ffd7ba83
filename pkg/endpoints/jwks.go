// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"net/http"

	"github.com/stacklok/oidcore/pkg/keys"
)

// JWKSHandler serves the public signing key set for token verification.
type JWKSHandler struct {
	keys keys.Provider
}

// NewJWKSHandler wires the JWKS endpoint.
func NewJWKSHandler(keyProvider keys.Provider) *JWKSHandler {
	return &JWKSHandler{keys: keyProvider}
}

// ServeHTTP implements http.Handler.
func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jwks, err := keys.PublicJWKS(r.Context(), h.keys)
	if err != nil {
		writeServerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(w, jwks)
}
