// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcore/pkg/authorize"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/session"
)

func newAuthorizeHandler(f *fixture, subject *session.Subject) *AuthorizeHandler {
	return NewAuthorizeHandler(
		authorize.NewValidator(f.clients, f.scopes),
		authorize.NewInteractionGenerator(authorize.NewStoredConsentPolicy(f.store)),
		f.issuer,
		&sessionReaderStub{subject: subject},
		testLoginURL,
		testConsentURL,
	)
}

func authorizeQuery() url.Values {
	return url.Values{
		"client_id":     {"web"},
		"response_type": {protocol.ResponseTypeCode},
		"redirect_uri":  {"https://web.example.com/callback"},
		"scope":         {"openid api1"},
		"state":         {"xyz"},
	}
}

func TestAuthorizeEndpointIssuesCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := newAuthorizeHandler(f, testSubject())

	req := httptest.NewRequest(http.MethodGet, "/connect/authorize?"+authorizeQuery().Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "web.example.com", location.Host)
	assert.Equal(t, "/callback", location.Path)

	query := location.Query()
	assert.NotEmpty(t, query.Get("code"))
	assert.Equal(t, "xyz", query.Get("state"))
	assert.Equal(t, "openid api1", query.Get("scope"))
}

func TestAuthorizeEndpointRedirectsToLogin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := newAuthorizeHandler(f, nil)

	req := httptest.NewRequest(http.MethodGet, "/connect/authorize?"+authorizeQuery().Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, testLoginURL, location.Path)
	assert.Contains(t, location.Query().Get("returnUrl"), "client_id=web")
}

func TestAuthorizeEndpointPromptNoneUnauthenticated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := newAuthorizeHandler(f, nil)

	params := authorizeQuery()
	params.Set("prompt", protocol.PromptNone)

	req := httptest.NewRequest(http.MethodGet, "/connect/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "web.example.com", location.Host)
	assert.Equal(t, protocol.ErrorLoginRequired, location.Query().Get("error"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
}

func TestAuthorizeEndpointUnknownClientRendersErrorPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	handler := newAuthorizeHandler(f, testSubject())

	params := authorizeQuery()
	params.Set("client_id", "ghost")

	req := httptest.NewRequest(http.MethodGet, "/connect/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The redirect URI is not trusted for an unknown client, so the
	// error renders locally instead of redirecting.
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), protocol.ErrorUnauthorizedClient)
	assert.Empty(t, rec.Header().Get("Location"))
}
