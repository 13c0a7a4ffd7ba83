// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/oidcore/pkg/claims"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/protocol"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
	"github.com/stacklok/oidcore/pkg/secrets"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/storage"
	"github.com/stacklok/oidcore/pkg/token"
)

const (
	testIssuer = "https://op.example.com"

	testLoginURL   = "/account/login"
	testConsentURL = "/account/consent"
)

// fixture assembles the full engine behind the HTTP handlers, backed by
// in-memory stores and a fresh signing key.
type fixture struct {
	clients  *registry.InMemoryClientStore
	store    *storage.MemoryStore
	provider keys.Provider
	public   *ecdsa.PublicKey

	auth      *secrets.ClientAuthenticator
	scopes    *scopes.Validator
	issuer    *token.Issuer
	validator *token.Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	provider, err := keys.NewStaticProvider(privateKey)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	clients := registry.NewInMemoryClientStore(testWebClient(t))
	resources := registry.NewInMemoryResourceStore(
		[]registry.IdentityResource{
			{Name: "openid", Enabled: true, Required: true, ClaimTypes: []string{"sub"}},
			{Name: "profile", Enabled: true, ClaimTypes: []string{"name"}},
		},
		[]registry.APIResource{
			{Name: "api1-resource", Enabled: true, Scopes: []registry.Scope{
				{Name: "api1", Enabled: true},
			}},
		},
	)

	profile := &token.StaticProfileService{
		Claims: map[string]claims.Set{
			"818727": {"name": {"Alice"}},
		},
	}

	scopeValidator := scopes.NewValidator(resources)
	return &fixture{
		clients:   clients,
		store:     store,
		provider:  provider,
		public:    &privateKey.PublicKey,
		auth:      secrets.NewClientAuthenticator(clients, store, testIssuer+PathToken),
		scopes:    scopeValidator,
		issuer:    token.NewIssuer(testIssuer, provider, store, profile),
		validator: token.NewValidator(store, scopeValidator),
	}
}

func testWebClient(t *testing.T) *registry.Client {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	return &registry.Client{
		ID:            "web",
		Enabled:       true,
		RequireSecret: true,
		Secrets: []registry.Secret{
			{Type: registry.SecretTypeSharedSecret, Value: string(hash)},
		},
		GrantTypes: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeClientCredentials,
			protocol.GrantTypeRefreshToken,
		},
		AllowedScopes:          []string{"openid", "profile", "api1"},
		RedirectURIs:           []string{"https://web.example.com/callback"},
		PostLogoutRedirectURIs: []string{"https://web.example.com/signed-out"},
		AllowOfflineAccess:     true,
		AllowRememberConsent:   true,
		EnableLocalLogin:       true,
		AccessTokenFormat:      registry.AccessTokenJWT,
	}
}

func testSubject() *session.Subject {
	return &session.Subject{
		ID:                    "818727",
		SessionID:             "sess-1",
		IdentityProvider:      session.LocalIdentityProvider,
		AuthenticationMethods: []string{"pwd"},
		AuthenticationTime:    time.Now().Add(-time.Minute),
	}
}

// sessionReaderStub serves a fixed subject for every request.
type sessionReaderStub struct {
	subject *session.Subject
}

func (s *sessionReaderStub) Subject(_ *http.Request) (*session.Subject, error) {
	return s.subject, nil
}

// formRequest builds a POST with an urlencoded body and basic client
// credentials.
func formRequest(t *testing.T, target string, form url.Values) *http.Request {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("web", "secret")
	return req
}
