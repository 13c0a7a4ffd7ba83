// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
)

func testClient() *registry.Client {
	return &registry.Client{
		ID:                   "roclient",
		Enabled:              true,
		GrantTypes:           []string{protocol.GrantTypeAuthorizationCode},
		AllowedScopes:        []string{"openid", "profile", "api1"},
		RedirectURIs:         []string{"https://client/cb"},
		RequirePKCE:          true,
		EnableLocalLogin:     true,
		AllowRememberConsent: true,
	}
}

func testValidator(clients ...*registry.Client) *Validator {
	resources := registry.NewInMemoryResourceStore(
		[]registry.IdentityResource{
			{Name: "openid", Enabled: true, Required: true},
			{Name: "profile", Enabled: true},
		},
		[]registry.APIResource{
			{
				Name:    "api1-resource",
				Enabled: true,
				Scopes:  []registry.Scope{{Name: "api1", Enabled: true}},
			},
		},
	)
	return NewValidator(
		registry.NewInMemoryClientStore(clients...),
		scopes.NewValidator(resources),
	)
}

func validRequest() *Request {
	verifier := oauth2.GenerateVerifier()
	return &Request{
		ResponseType:        protocol.ResponseTypeCode,
		ClientID:            "roclient",
		RedirectURI:         "https://client/cb",
		Scope:               "openid api1",
		State:               "xyz",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: protocol.CodeChallengeMethodS256,
	}
}

func TestValidateSuccess(t *testing.T) {
	t.Parallel()

	v := testValidator(testClient())

	validated, failure, err := v.Validate(t.Context(), validRequest())
	require.NoError(t, err)
	require.Nil(t, failure)

	assert.Equal(t, "roclient", validated.Client.ID)
	assert.Equal(t, protocol.GrantTypeAuthorizationCode, validated.GrantType)
	assert.Equal(t, protocol.ResponseModeQuery, validated.ResponseMode)
	assert.Equal(t, []string{"openid", "api1"}, validated.Scopes.Scopes)
	assert.Equal(t, protocol.CodeChallengeMethodS256, validated.CodeChallengeMethod)
	assert.Equal(t, "xyz", validated.State)
	assert.False(t, validated.WantsIDToken())
}

func TestValidateParsesStructuredParameters(t *testing.T) {
	t.Parallel()

	v := testValidator(testClient())

	req := validRequest()
	req.Prompt = "consent"
	req.MaxAge = "3600"
	req.ACRValues = "idp:google level2"

	validated, failure, err := v.Validate(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, failure)

	assert.Equal(t, []string{"consent"}, validated.Prompts)
	require.NotNil(t, validated.MaxAge)
	assert.Equal(t, time.Hour, *validated.MaxAge)
	assert.Equal(t, "google", validated.IdP)
	assert.Equal(t, []string{"level2"}, validated.ACRValues)
}

func TestValidateFailuresBeforeRedirectAreUnsafe(t *testing.T) {
	t.Parallel()

	disabled := testClient()
	disabled.ID = "disabled"
	disabled.Enabled = false

	v := testValidator(testClient(), disabled)

	tests := []struct {
		name   string
		mutate func(*Request)
		code   string
	}{
		{
			name:   "unsupported response type",
			mutate: func(r *Request) { r.ResponseType = "device_code" },
			code:   protocol.ErrorUnsupportedResponseType,
		},
		{
			name:   "disallowed response mode",
			mutate: func(r *Request) { r.ResponseMode = "query.jsonp" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "missing client_id",
			mutate: func(r *Request) { r.ClientID = "" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "unknown client",
			mutate: func(r *Request) { r.ClientID = "ghost" },
			code:   protocol.ErrorUnauthorizedClient,
		},
		{
			name:   "disabled client",
			mutate: func(r *Request) { r.ClientID = "disabled" },
			code:   protocol.ErrorUnauthorizedClient,
		},
		{
			name:   "missing redirect_uri",
			mutate: func(r *Request) { r.RedirectURI = "" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "unregistered redirect_uri",
			mutate: func(r *Request) { r.RedirectURI = "https://evil/cb" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name: "prefix match is not a match",
			mutate: func(r *Request) {
				r.RedirectURI = "https://client/cb/extra"
			},
			code: protocol.ErrorInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := validRequest()
			tt.mutate(req)

			validated, failure, err := v.Validate(t.Context(), req)
			require.NoError(t, err)
			require.NotNil(t, failure)
			assert.Nil(t, validated)
			assert.Equal(t, tt.code, failure.Err.Code)
			assert.False(t, failure.SafeRedirect)
		})
	}
}

func TestValidateFailuresAfterRedirectAreSafe(t *testing.T) {
	t.Parallel()

	v := testValidator(testClient())

	tests := []struct {
		name   string
		mutate func(*Request)
		code   string
	}{
		{
			name:   "unknown scope",
			mutate: func(r *Request) { r.Scope = "openid nonexistent" },
			code:   protocol.ErrorInvalidScope,
		},
		{
			name:   "missing pkce challenge",
			mutate: func(r *Request) { r.CodeChallenge = ""; r.CodeChallengeMethod = "" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "challenge too short",
			mutate: func(r *Request) { r.CodeChallenge = "short" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name: "plain challenge not allowed",
			mutate: func(r *Request) {
				r.CodeChallengeMethod = protocol.CodeChallengeMethodPlain
			},
			code: protocol.ErrorInvalidRequest,
		},
		{
			name:   "unknown challenge method",
			mutate: func(r *Request) { r.CodeChallengeMethod = "S512" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "negative max_age",
			mutate: func(r *Request) { r.MaxAge = "-5" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "malformed max_age",
			mutate: func(r *Request) { r.MaxAge = "soon" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "prompt none with login",
			mutate: func(r *Request) { r.Prompt = "none login" },
			code:   protocol.ErrorInvalidRequest,
		},
		{
			name:   "prompt consent with select_account",
			mutate: func(r *Request) { r.Prompt = "consent select_account" },
			code:   protocol.ErrorInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := validRequest()
			tt.mutate(req)

			validated, failure, err := v.Validate(t.Context(), req)
			require.NoError(t, err)
			require.NotNil(t, failure)
			assert.Nil(t, validated)
			assert.Equal(t, tt.code, failure.Err.Code)
			assert.True(t, failure.SafeRedirect)
			assert.Equal(t, "https://client/cb", failure.RedirectURI)
			assert.Equal(t, "xyz", failure.State)
		})
	}
}

func TestValidateNonceRequiredForIDToken(t *testing.T) {
	t.Parallel()

	client := testClient()
	client.GrantTypes = []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeImplicit}
	v := testValidator(client)

	req := &Request{
		ResponseType: protocol.ResponseTypeIDToken,
		ClientID:     "roclient",
		RedirectURI:  "https://client/cb",
		Scope:        "openid profile",
		State:        "xyz",
	}

	_, failure, err := v.Validate(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, protocol.ErrorInvalidRequest, failure.Err.Code)
	assert.True(t, failure.SafeRedirect)

	req.Nonce = "n-0S6_WzA2Mj"
	validated, failure, err := v.Validate(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, failure)
	assert.True(t, validated.WantsIDToken())
	assert.Equal(t, protocol.ResponseModeFragment, validated.ResponseMode)
}

func TestValidateUnauthorizedGrantType(t *testing.T) {
	t.Parallel()

	v := testValidator(testClient())

	req := validRequest()
	req.ResponseType = protocol.ResponseTypeToken
	req.CodeChallenge = ""
	req.CodeChallengeMethod = ""

	_, failure, err := v.Validate(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, protocol.ErrorUnauthorizedClient, failure.Err.Code)
	assert.False(t, failure.SafeRedirect)
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	values := url.Values{
		"response_type":         {"code"},
		"client_id":             {"roclient"},
		"redirect_uri":          {"https://client/cb"},
		"scope":                 {"openid api1"},
		"state":                 {"abc"},
		"code_challenge":        {"challenge"},
		"code_challenge_method": {"S256"},
		"prompt":                {"login"},
	}

	req := ParseRequest(values)
	assert.Equal(t, "code", req.ResponseType)
	assert.Equal(t, "roclient", req.ClientID)
	assert.Equal(t, "openid api1", req.Scope)
	assert.Equal(t, "S256", req.CodeChallengeMethod)
	assert.Equal(t, "login", req.Prompt)
}
