// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"net/http"

	"github.com/stacklok/oidcore/pkg/secrets"
	"github.com/stacklok/oidcore/pkg/token"
)

// TokenHandler drives the token endpoint: client authentication,
// grant-specific validation, and issuance.
type TokenHandler struct {
	auth      *secrets.ClientAuthenticator
	validator *token.Validator
	issuer    *token.Issuer
}

// NewTokenHandler wires the token endpoint.
func NewTokenHandler(auth *secrets.ClientAuthenticator, validator *token.Validator, issuer *token.Issuer) *TokenHandler {
	return &TokenHandler{
		auth:      auth,
		validator: validator,
		issuer:    issuer,
	}
}

// ServeHTTP implements http.Handler.
func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	validated, perr, err := h.validator.Validate(r.Context(), client, token.ParseRequest(r.PostForm))
	if err != nil {
		writeServerError(w, err)
		return
	}
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}

	resp, perr, err := h.issuer.IssueForRequest(r.Context(), validated)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
