// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/token"
)

func TestTokenEndpointClientCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := NewTokenHandler(f.auth, f.validator, f.issuer)

	form := url.Values{
		"grant_type": {protocol.GrantTypeClientCredentials},
		"scope":      {"api1"},
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, formRequest(t, "/connect/token", form))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp token.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, protocol.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, "api1", resp.Scope)
	assert.Empty(t, resp.IDToken)
	assert.Empty(t, resp.RefreshToken)
}

func TestTokenEndpointInvalidClient(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := NewTokenHandler(f.auth, f.validator, f.issuer)

	form := url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}
	req := formRequest(t, "/connect/token", form)
	req.SetBasicAuth("web", "wrong")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, protocol.ErrorInvalidClient, resp["error"])
}

func TestTokenEndpointUnsupportedGrant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := NewTokenHandler(f.auth, f.validator, f.issuer)

	form := url.Values{"grant_type": {"urn:example:unknown"}}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, formRequest(t, "/connect/token", form))

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, protocol.ErrorUnsupportedGrantType, resp["error"])
}

func TestTokenEndpointRejectsGet(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := NewTokenHandler(f.auth, f.validator, f.issuer)

	req := httptest.NewRequest(http.MethodGet, "/connect/token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
