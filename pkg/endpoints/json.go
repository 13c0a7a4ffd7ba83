// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/protocol"
)

// errorResponse is the JSON error shape of the token-style endpoints
// (RFC 6749 Section 5.2).
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	writeJSONBody(w, body)
}

// writeJSONBody encodes the body without touching headers; the JWKS
// endpoint sets its own cache policy.
func writeJSONBody(w http.ResponseWriter, body any) {
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response body", "error", err)
	}
}

// writeProtocolError maps a protocol error to its JSON response.
// invalid_client gets 401 per RFC 6749 Section 5.2; everything else 400.
func writeProtocolError(w http.ResponseWriter, perr *protocol.Error) {
	status := http.StatusBadRequest
	if perr.Code == protocol.ErrorInvalidClient {
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, status, errorResponse{
		Error:            perr.Code,
		ErrorDescription: perr.Description,
	})
}

// writeServerError hides infrastructure faults behind a generic
// server_error after logging the cause.
func writeServerError(w http.ResponseWriter, err error) {
	logger.Errorw("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error: protocol.ErrorServerError,
	})
}
