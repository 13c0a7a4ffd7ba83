// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/oidcore/pkg/authorize"
	"github.com/stacklok/oidcore/pkg/claims"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/storage"
)

// Exercises the full authorization-code journey: authorize validation,
// interaction, code issuance, PKCE redemption, and the single-use
// guarantee.
func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()

	client := &registry.Client{
		ID:            "roclient",
		Enabled:       true,
		GrantTypes:    []string{protocol.GrantTypeAuthorizationCode},
		AllowedScopes: []string{"openid", "api1"},
		RedirectURIs:  []string{"https://client/cb"},
		RequirePKCE:   true,
	}

	clients := registry.NewInMemoryClientStore(client)
	scopeValidator := testScopeValidator()
	store := storage.NewMemoryStore()
	defer store.Close()

	f := newIssuerFixture(t)

	subject := &session.Subject{
		ID:                    "818727",
		SessionID:             "sess-1",
		IdentityProvider:      session.LocalIdentityProvider,
		AuthenticationMethods: []string{"pwd"},
		AuthenticationTime:    time.Now().Add(-time.Minute),
		Claims:                claims.Set{"name": {"Alice"}},
	}

	// Authorize request with PKCE.
	verifier := oauth2.GenerateVerifier()
	authValidator := authorize.NewValidator(clients, scopeValidator)
	areq, failure, err := authValidator.Validate(t.Context(), &authorize.Request{
		ResponseType:        protocol.ResponseTypeCode,
		ClientID:            "roclient",
		RedirectURI:         "https://client/cb",
		Scope:               "openid api1",
		State:               "af0ifjsldkj",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: protocol.CodeChallengeMethodS256,
	})
	require.NoError(t, err)
	require.Nil(t, failure)

	// No consent configured: the request is immediately allowed.
	generator := authorize.NewInteractionGenerator(authorize.NewStoredConsentPolicy(store))
	interaction, err := generator.Process(t.Context(), areq, subject)
	require.NoError(t, err)
	require.Equal(t, authorize.KindAllowed, interaction.Kind)

	issuer := NewIssuer(issuerURL, f.issuer.keys, store, f.profile)
	code, err := issuer.IssueAuthorizationCode(t.Context(), areq, subject)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	// Redeem the code.
	tokenValidator := NewValidator(store, scopeValidator)
	treq, perr, err := tokenValidator.Validate(t.Context(), client, &Request{
		GrantType:    protocol.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://client/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.Nil(t, perr)

	resp, perr, err := issuer.IssueForRequest(t.Context(), treq)
	require.NoError(t, err)
	require.Nil(t, perr)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.Empty(t, resp.RefreshToken)

	identity := f.parseToken(t, resp.IDToken)
	assert.Equal(t, "n-0S6_WzA2Mj", identity[protocol.ClaimNonce])
	assert.Equal(t, "818727", identity[protocol.ClaimSubject])

	// A second redemption of the same code must fail.
	_, perr, err = tokenValidator.Validate(t.Context(), client, &Request{
		GrantType:    protocol.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://client/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorInvalidGrant, perr.Code)
}

// Hybrid response types deliver the code plus tokens directly from the
// authorize endpoint, with c_hash binding the code to the id_token.
func TestHybridAuthorizeResponse(t *testing.T) {
	t.Parallel()

	client := &registry.Client{
		ID:            "hybrid-client",
		Enabled:       true,
		GrantTypes:    []string{protocol.GrantTypeAuthorizationCode},
		AllowedScopes: []string{"openid", "api1"},
		RedirectURIs:  []string{"https://client/cb"},
	}

	clients := registry.NewInMemoryClientStore(client)
	f := newIssuerFixture(t)

	authValidator := authorize.NewValidator(clients, testScopeValidator())
	areq, failure, err := authValidator.Validate(t.Context(), &authorize.Request{
		ResponseType: protocol.ResponseTypeCodeIDToken,
		ClientID:     "hybrid-client",
		RedirectURI:  "https://client/cb",
		Scope:        "openid api1",
		Nonce:        "n-0S6_WzA2Mj",
	})
	require.NoError(t, err)
	require.Nil(t, failure)
	assert.Equal(t, protocol.ResponseModeFragment, areq.ResponseMode)

	subject := &session.Subject{
		ID:                 "818727",
		SessionID:          "sess-1",
		IdentityProvider:   session.LocalIdentityProvider,
		AuthenticationTime: time.Now(),
	}

	issued, perr, err := f.issuer.IssueAuthorizeResponse(t.Context(), areq, subject)
	require.NoError(t, err)
	require.Nil(t, perr)
	require.NotEmpty(t, issued.Code)
	require.NotEmpty(t, issued.IDToken)
	assert.Empty(t, issued.AccessToken)

	identity := f.parseToken(t, issued.IDToken)
	assert.NotEmpty(t, identity[protocol.ClaimAuthorizationHash])
	_, hasAtHash := identity[protocol.ClaimAccessTokenHash]
	assert.False(t, hasAtHash)
}

// Narrowed consent carries through to issuance: only consented scopes
// appear in the final token.
func TestConsentNarrowedFlow(t *testing.T) {
	t.Parallel()

	client := &registry.Client{
		ID:                   "roclient",
		Enabled:              true,
		GrantTypes:           []string{protocol.GrantTypeAuthorizationCode},
		AllowedScopes:        []string{"openid", "profile", "api1"},
		RedirectURIs:         []string{"https://client/cb"},
		RequireConsent:       true,
		AllowRememberConsent: true,
	}

	clients := registry.NewInMemoryClientStore(client)
	scopeValidator := testScopeValidator()
	store := storage.NewMemoryStore()
	defer store.Close()
	f := newIssuerFixture(t)

	subject := &session.Subject{
		ID:                 "818727",
		SessionID:          "sess-1",
		IdentityProvider:   session.LocalIdentityProvider,
		AuthenticationTime: time.Now(),
	}

	authValidator := authorize.NewValidator(clients, scopeValidator)
	areq, failure, err := authValidator.Validate(t.Context(), &authorize.Request{
		ResponseType: protocol.ResponseTypeCode,
		ClientID:     "roclient",
		RedirectURI:  "https://client/cb",
		Scope:        "openid profile api1",
	})
	require.NoError(t, err)
	require.Nil(t, failure)

	generator := authorize.NewInteractionGenerator(authorize.NewStoredConsentPolicy(store))
	interaction, err := generator.Process(t.Context(), areq, subject)
	require.NoError(t, err)
	require.Equal(t, authorize.KindConsent, interaction.Kind)

	processor := authorize.NewConsentProcessor(store, scopeValidator)
	granted, perr, err := processor.Process(t.Context(), areq, subject, &authorize.ConsentResponse{
		Granted: true,
		Scopes:  []string{"openid", "api1"},
	})
	require.NoError(t, err)
	require.Nil(t, perr)
	areq.Scopes = granted

	issuer := NewIssuer(issuerURL, f.issuer.keys, store, f.profile)
	code, err := issuer.IssueAuthorizationCode(t.Context(), areq, subject)
	require.NoError(t, err)

	tokenValidator := NewValidator(store, scopeValidator)
	treq, perr, err := tokenValidator.Validate(t.Context(), client, &Request{
		GrantType:   protocol.GrantTypeAuthorizationCode,
		Code:        code,
		RedirectURI: "https://client/cb",
	})
	require.NoError(t, err)
	require.Nil(t, perr)

	assert.ElementsMatch(t, []string{"openid", "api1"}, treq.Scopes.Scopes)
	assert.NotContains(t, treq.Scopes.Scopes, "profile")
}
