// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/oidcore/pkg/claims"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/storage"
)

func testClient() *registry.Client {
	return &registry.Client{
		ID:      "roclient",
		Enabled: true,
		GrantTypes: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeClientCredentials,
			protocol.GrantTypeRefreshToken,
		},
		AllowedScopes:      []string{"openid", "profile", "api1", "api1.read"},
		RedirectURIs:       []string{"https://client/cb"},
		AllowOfflineAccess: true,
	}
}

func testScopeValidator() *scopes.Validator {
	return scopes.NewValidator(registry.NewInMemoryResourceStore(
		[]registry.IdentityResource{
			{Name: "openid", Enabled: true, Required: true},
			{Name: "profile", Enabled: true},
		},
		[]registry.APIResource{
			{
				Name:    "api1-resource",
				Enabled: true,
				Scopes: []registry.Scope{
					{Name: "api1", Enabled: true},
					{Name: "api1.read", Enabled: true},
				},
			},
		},
	))
}

func storedCode(verifier string) *storage.AuthorizationCode {
	code := &storage.AuthorizationCode{
		SubjectID:             "818727",
		ClientID:              "roclient",
		SessionID:             "sess-1",
		RedirectURI:           "https://client/cb",
		Scopes:                []string{"openid", "api1"},
		Nonce:                 "n-0S6_WzA2Mj",
		AuthenticationTime:    time.Now().Add(-time.Minute),
		IdentityProvider:      "local",
		AuthenticationMethods: []string{"pwd"},
		SubjectClaims:         claims.Set{"name": {"Alice"}},
		CreationTime:          time.Now(),
		Lifetime:              5 * time.Minute,
	}
	if verifier != "" {
		code.CodeChallenge = oauth2.S256ChallengeFromVerifier(verifier)
		code.CodeChallengeMethod = protocol.CodeChallengeMethodS256
	}
	return code
}

func TestAuthorizationCodeGrant(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()

	verifier := oauth2.GenerateVerifier()
	require.NoError(t, store.StoreAuthorizationCode(t.Context(), "code-1", storedCode(verifier)))

	v := NewValidator(store, testScopeValidator())

	validated, perr, err := v.Validate(t.Context(), testClient(), &Request{
		GrantType:    protocol.GrantTypeAuthorizationCode,
		Code:         "code-1",
		RedirectURI:  "https://client/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.Nil(t, perr)

	assert.Equal(t, "818727", validated.SubjectID)
	assert.Equal(t, "sess-1", validated.SessionID)
	assert.Equal(t, "n-0S6_WzA2Mj", validated.Nonce)
	assert.Equal(t, []string{"openid", "api1"}, validated.Scopes.Scopes)
	assert.Equal(t, "Alice", validated.SubjectClaims.Get("name"))
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()

	verifier := oauth2.GenerateVerifier()
	require.NoError(t, store.StoreAuthorizationCode(t.Context(), "code-1", storedCode(verifier)))

	v := NewValidator(store, testScopeValidator())
	req := &Request{
		GrantType:    protocol.GrantTypeAuthorizationCode,
		Code:         "code-1",
		RedirectURI:  "https://client/cb",
		CodeVerifier: verifier,
	}

	_, perr, err := v.Validate(t.Context(), testClient(), req)
	require.NoError(t, err)
	require.Nil(t, perr)

	// Second redemption of the same handle must fail.
	validated, perr, err := v.Validate(t.Context(), testClient(), req)
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Nil(t, validated)
	assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
}

func TestAuthorizationCodeFailedPKCEBurnsCode(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()

	verifier := oauth2.GenerateVerifier()
	require.NoError(t, store.StoreAuthorizationCode(t.Context(), "code-1", storedCode(verifier)))

	v := NewValidator(store, testScopeValidator())

	_, perr, err := v.Validate(t.Context(), testClient(), &Request{
		GrantType:    protocol.GrantTypeAuthorizationCode,
		Code:         "code-1",
		RedirectURI:  "https://client/cb",
		CodeVerifier: oauth2.GenerateVerifier(),
	})
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)

	// The code was consumed by the failed attempt.
	_, perr, err = v.Validate(t.Context(), testClient(), &Request{
		GrantType:    protocol.GrantTypeAuthorizationCode,
		Code:         "code-1",
		RedirectURI:  "https://client/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
}

func TestAuthorizationCodeRejections(t *testing.T) {
	t.Parallel()

	verifier := oauth2.GenerateVerifier()

	otherClient := testClient()
	otherClient.ID = "other"

	tests := []struct {
		name   string
		client *registry.Client
		req    *Request
		code   string
	}{
		{
			name:   "missing code parameter",
			client: testClient(),
			req: &Request{
				GrantType:   protocol.GrantTypeAuthorizationCode,
				RedirectURI: "https://client/cb",
			},
			code: protocol.ErrorInvalidRequest,
		},
		{
			name:   "unknown code",
			client: testClient(),
			req: &Request{
				GrantType:    protocol.GrantTypeAuthorizationCode,
				Code:         "nope",
				RedirectURI:  "https://client/cb",
				CodeVerifier: verifier,
			},
			code: protocol.ErrorInvalidGrant,
		},
		{
			name:   "client mismatch",
			client: otherClient,
			req: &Request{
				GrantType:    protocol.GrantTypeAuthorizationCode,
				Code:         "code-1",
				RedirectURI:  "https://client/cb",
				CodeVerifier: verifier,
			},
			code: protocol.ErrorInvalidGrant,
		},
		{
			name:   "redirect_uri mismatch",
			client: testClient(),
			req: &Request{
				GrantType:    protocol.GrantTypeAuthorizationCode,
				Code:         "code-1",
				RedirectURI:  "https://client/other",
				CodeVerifier: verifier,
			},
			code: protocol.ErrorInvalidGrant,
		},
		{
			name:   "missing verifier",
			client: testClient(),
			req: &Request{
				GrantType:   protocol.GrantTypeAuthorizationCode,
				Code:        "code-1",
				RedirectURI: "https://client/cb",
			},
			code: protocol.ErrorInvalidRequest,
		},
		{
			name:   "verifier too short",
			client: testClient(),
			req: &Request{
				GrantType:    protocol.GrantTypeAuthorizationCode,
				Code:         "code-1",
				RedirectURI:  "https://client/cb",
				CodeVerifier: "short",
			},
			code: protocol.ErrorInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := storage.NewMemoryStore()
			defer store.Close()
			require.NoError(t, store.StoreAuthorizationCode(t.Context(), "code-1", storedCode(verifier)))

			v := NewValidator(store, testScopeValidator())

			validated, perr, err := v.Validate(t.Context(), tt.client, tt.req)
			require.NoError(t, err)
			require.NotNil(t, perr)
			assert.Nil(t, validated)
			assert.Equal(t, tt.code, perr.Code)
		})
	}
}

func TestExpiredCodeIsInvalidGrant(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()

	code := storedCode("")
	code.CreationTime = time.Now().Add(-time.Hour)
	require.NoError(t, store.StoreAuthorizationCode(t.Context(), "code-1", code))

	v := NewValidator(store, testScopeValidator())

	_, perr, err := v.Validate(t.Context(), testClient(), &Request{
		GrantType:   protocol.GrantTypeAuthorizationCode,
		Code:        "code-1",
		RedirectURI: "https://client/cb",
	})
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
}

func TestClientCredentialsGrant(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()
	v := NewValidator(store, testScopeValidator())

	client := testClient()
	client.AllowedScopes = []string{"api1", "api1.read"}

	t.Run("explicit scope", func(t *testing.T) {
		t.Parallel()

		validated, perr, err := v.Validate(t.Context(), client, &Request{
			GrantType: protocol.GrantTypeClientCredentials,
			Scope:     "api1",
		})
		require.NoError(t, err)
		require.Nil(t, perr)
		assert.Empty(t, validated.SubjectID)
		assert.Equal(t, []string{"api1"}, validated.Scopes.Scopes)
	})

	t.Run("no scope defaults to allowed scopes", func(t *testing.T) {
		t.Parallel()

		validated, perr, err := v.Validate(t.Context(), client, &Request{
			GrantType: protocol.GrantTypeClientCredentials,
		})
		require.NoError(t, err)
		require.Nil(t, perr)
		assert.Equal(t, []string{"api1", "api1.read"}, validated.Scopes.Scopes)
	})

	t.Run("scope outside allowed list", func(t *testing.T) {
		t.Parallel()

		validated, perr, err := v.Validate(t.Context(), client, &Request{
			GrantType: protocol.GrantTypeClientCredentials,
			Scope:     "openid",
		})
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Nil(t, validated)
		assert.Equal(t, protocol.ErrorInvalidScope, perr.Code)
	})
}

func TestRefreshTokenGrant(t *testing.T) {
	t.Parallel()

	storedToken := func() *storage.RefreshToken {
		return &storage.RefreshToken{
			SubjectID:          "818727",
			ClientID:           "roclient",
			SessionID:          "sess-1",
			Scopes:             []string{"openid", "api1", "api1.read"},
			AuthenticationTime: time.Now().Add(-time.Hour),
			IdentityProvider:   "local",
			CreationTime:       time.Now(),
			Lifetime:           time.Hour,
		}
	}

	t.Run("redeems and narrows", func(t *testing.T) {
		t.Parallel()

		store := storage.NewMemoryStore()
		defer store.Close()
		require.NoError(t, store.StoreRefreshToken(t.Context(), "rt-1", storedToken()))

		v := NewValidator(store, testScopeValidator())

		validated, perr, err := v.Validate(t.Context(), testClient(), &Request{
			GrantType:    protocol.GrantTypeRefreshToken,
			RefreshToken: "rt-1",
			Scope:        "openid api1",
		})
		require.NoError(t, err)
		require.Nil(t, perr)
		assert.Equal(t, []string{"openid", "api1"}, validated.Scopes.Scopes)
		assert.Equal(t, "818727", validated.SubjectID)
		assert.Equal(t, "rt-1", validated.RefreshTokenHandle)
	})

	t.Run("widening is rejected", func(t *testing.T) {
		t.Parallel()

		store := storage.NewMemoryStore()
		defer store.Close()
		token := storedToken()
		token.Scopes = []string{"api1"}
		require.NoError(t, store.StoreRefreshToken(t.Context(), "rt-1", token))

		v := NewValidator(store, testScopeValidator())

		_, perr, err := v.Validate(t.Context(), testClient(), &Request{
			GrantType:    protocol.GrantTypeRefreshToken,
			RefreshToken: "rt-1",
			Scope:        "api1 api1.read",
		})
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorInvalidScope, perr.Code)
	})

	t.Run("client mismatch", func(t *testing.T) {
		t.Parallel()

		store := storage.NewMemoryStore()
		defer store.Close()
		require.NoError(t, store.StoreRefreshToken(t.Context(), "rt-1", storedToken()))

		other := testClient()
		other.ID = "other"

		v := NewValidator(store, testScopeValidator())

		_, perr, err := v.Validate(t.Context(), other, &Request{
			GrantType:    protocol.GrantTypeRefreshToken,
			RefreshToken: "rt-1",
		})
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
	})

	t.Run("unknown handle", func(t *testing.T) {
		t.Parallel()

		store := storage.NewMemoryStore()
		defer store.Close()
		v := NewValidator(store, testScopeValidator())

		_, perr, err := v.Validate(t.Context(), testClient(), &Request{
			GrantType:    protocol.GrantTypeRefreshToken,
			RefreshToken: "nope",
		})
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
	})
}

type stubPasswordValidator struct{}

func (stubPasswordValidator) ValidateCredentials(_ context.Context, username, password string) (*SubjectGrant, *protocol.Error, error) {
	if username == "alice" && password == "alice" {
		return &SubjectGrant{
			SubjectID:            "818727",
			AuthenticationMethod: "pwd",
			IdentityProvider:     "local",
			AuthenticationTime:   time.Now(),
		}, nil, nil
	}
	return nil, protocol.NewError(protocol.ErrorInvalidGrant, "invalid username or password"), nil
}

func TestPasswordGrant(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()
	v := NewValidator(store, testScopeValidator(), WithPasswordValidator(stubPasswordValidator{}))

	client := testClient()
	client.GrantTypes = append(client.GrantTypes, protocol.GrantTypePassword)

	t.Run("valid credentials", func(t *testing.T) {
		t.Parallel()

		validated, perr, err := v.Validate(t.Context(), client, &Request{
			GrantType: protocol.GrantTypePassword,
			Username:  "alice",
			Password:  "alice",
			Scope:     "openid api1",
		})
		require.NoError(t, err)
		require.Nil(t, perr)
		assert.Equal(t, "818727", validated.SubjectID)
		assert.Equal(t, []string{"pwd"}, validated.AuthenticationMethods)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		t.Parallel()

		_, perr, err := v.Validate(t.Context(), client, &Request{
			GrantType: protocol.GrantTypePassword,
			Username:  "alice",
			Password:  "wrong",
			Scope:     "openid api1",
		})
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
	})

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()

		bare := NewValidator(store, testScopeValidator())
		_, perr, err := bare.Validate(t.Context(), client, &Request{
			GrantType: protocol.GrantTypePassword,
			Username:  "alice",
			Password:  "alice",
		})
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorUnsupportedGrantType, perr.Code)
	})
}

type stubDelegationGrant struct{}

func (stubDelegationGrant) GrantType() string { return "urn:example:delegation" }

func (stubDelegationGrant) ValidateGrant(_ context.Context, _ *registry.Client, req *Request) (*SubjectGrant, *protocol.Error, error) {
	if req.Form.Get("delegation_token") == "" {
		return nil, protocol.NewError(protocol.ErrorInvalidGrant, "delegation_token is required"), nil
	}
	return &SubjectGrant{
		SubjectID:            "delegated-user",
		AuthenticationMethod: "delegation",
		IdentityProvider:     "local",
		AuthenticationTime:   time.Now(),
	}, nil, nil
}

func TestExtensionGrant(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()
	v := NewValidator(store, testScopeValidator(), WithExtensionGrant(stubDelegationGrant{}))

	client := testClient()
	client.GrantTypes = append(client.GrantTypes, "urn:example:delegation")

	t.Run("resolves subject", func(t *testing.T) {
		t.Parallel()

		req := ParseRequest(map[string][]string{
			"grant_type":       {"urn:example:delegation"},
			"delegation_token": {"tok"},
			"scope":            {"api1"},
		})
		validated, perr, err := v.Validate(t.Context(), client, req)
		require.NoError(t, err)
		require.Nil(t, perr)
		assert.Equal(t, "delegated-user", validated.SubjectID)
	})

	t.Run("propagates grant rejection", func(t *testing.T) {
		t.Parallel()

		req := ParseRequest(map[string][]string{
			"grant_type": {"urn:example:delegation"},
			"scope":      {"api1"},
		})
		_, perr, err := v.Validate(t.Context(), client, req)
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
	})

	t.Run("client without the grant type", func(t *testing.T) {
		t.Parallel()

		req := ParseRequest(map[string][]string{
			"grant_type":       {"urn:example:delegation"},
			"delegation_token": {"tok"},
		})
		_, perr, err := v.Validate(t.Context(), testClient(), req)
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorUnauthorizedClient, perr.Code)
	})
}

type bareSubjectGrant struct{}

func (bareSubjectGrant) GrantType() string { return "urn:example:bare" }

func (bareSubjectGrant) ValidateGrant(context.Context, *registry.Client, *Request) (*SubjectGrant, *protocol.Error, error) {
	return &SubjectGrant{SubjectID: "delegated-user"}, nil, nil
}

func TestExtensionGrantDefaultsAuthenticationDetail(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()
	v := NewValidator(store, testScopeValidator(), WithExtensionGrant(bareSubjectGrant{}))

	client := testClient()
	client.GrantTypes = append(client.GrantTypes, "urn:example:bare")

	before := time.Now()
	validated, perr, err := v.Validate(t.Context(), client, ParseRequest(map[string][]string{
		"grant_type": {"urn:example:bare"},
		"scope":      {"api1"},
	}))
	require.NoError(t, err)
	require.Nil(t, perr)

	assert.Equal(t, "delegated-user", validated.SubjectID)
	assert.Equal(t, []string{"urn:example:bare"}, validated.AuthenticationMethods)
	assert.Equal(t, session.LocalIdentityProvider, validated.IdentityProvider)
	assert.False(t, validated.AuthenticationTime.Before(before))
}

func TestUnsupportedGrantType(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	defer store.Close()
	v := NewValidator(store, testScopeValidator())

	_, perr, err := v.Validate(t.Context(), testClient(), &Request{GrantType: "urn:unknown"})
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorUnsupportedGrantType, perr.Code)

	_, perr, err = v.Validate(t.Context(), testClient(), &Request{})
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorInvalidRequest, perr.Code)
}
