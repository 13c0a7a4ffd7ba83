// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the protocol engine into a runnable HTTP
// server: it wires the validators, stores, and endpoint handlers onto a
// single router and manages the server lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/oidcore/pkg/authorize"
	"github.com/stacklok/oidcore/pkg/endpoints"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
	"github.com/stacklok/oidcore/pkg/secrets"
	"github.com/stacklok/oidcore/pkg/storage"
	"github.com/stacklok/oidcore/pkg/token"
)

// Store is the full persistence surface the server needs: grants,
// remembered consent, and assertion replay tracking.
type Store interface {
	storage.GrantStore
	storage.ConsentStore
	storage.ReplayStore
}

// Config holds the server-level settings.
type Config struct {
	// Issuer is the external base URL of the provider, issued as the
	// "iss" claim on every signed token.
	Issuer string

	// Address is the listen address, e.g. ":8080".
	Address string

	// LoginURL and ConsentURL are the UI pages the authorize endpoint
	// bounces to when interaction is required.
	LoginURL   string
	ConsentURL string

	// ReadTimeout and WriteTimeout bound request processing.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if c.Address == "" {
		return errors.New("listen address is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LoginURL == "" {
		c.LoginURL = "/account/login"
	}
	if c.ConsentURL == "" {
		c.ConsentURL = "/account/consent"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// Dependencies are the pluggable backends behind the engine.
type Dependencies struct {
	Clients   registry.ClientStore
	Resources registry.ResourceStore
	Store     Store
	Keys      keys.Provider
	Sessions  endpoints.SessionReader
	Profile   token.ProfileService

	// Password enables the resource owner password grant when set.
	Password token.PasswordValidator

	// ExtensionGrants are custom grant validators keyed by their grant
	// type URI.
	ExtensionGrants []token.ExtensionGrantValidator

	// Customizer optionally redirects authorize requests to a custom
	// interaction page.
	Customizer authorize.Customizer
}

func (d *Dependencies) validate() error {
	switch {
	case d.Clients == nil:
		return errors.New("client store is required")
	case d.Resources == nil:
		return errors.New("resource store is required")
	case d.Store == nil:
		return errors.New("grant store is required")
	case d.Keys == nil:
		return errors.New("key provider is required")
	case d.Sessions == nil:
		return errors.New("session reader is required")
	case d.Profile == nil:
		return errors.New("profile service is required")
	}
	return nil
}

// Server is the assembled OpenID provider.
type Server struct {
	cfg      Config
	http     *http.Server
	notifier *endpoints.BackChannelNotifier
}

// New wires the engine and returns a server ready to listen.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	cfg.applyDefaults()

	scopeValidator := scopes.NewValidator(deps.Resources)
	issuer := token.NewIssuer(cfg.Issuer, deps.Keys, deps.Store, deps.Profile)
	auth := secrets.NewClientAuthenticator(deps.Clients, deps.Store, cfg.Issuer+endpoints.PathToken)

	tokenOpts := make([]token.ValidatorOption, 0, len(deps.ExtensionGrants)+1)
	if deps.Password != nil {
		tokenOpts = append(tokenOpts, token.WithPasswordValidator(deps.Password))
	}
	for _, grant := range deps.ExtensionGrants {
		tokenOpts = append(tokenOpts, token.WithExtensionGrant(grant))
	}
	tokenValidator := token.NewValidator(deps.Store, scopeValidator, tokenOpts...)

	var interactionOpts []authorize.GeneratorOption
	if deps.Customizer != nil {
		interactionOpts = append(interactionOpts, authorize.WithCustomizer(deps.Customizer))
	}
	interaction := authorize.NewInteractionGenerator(
		authorize.NewStoredConsentPolicy(deps.Store), interactionOpts...)

	notifier := endpoints.NewBackChannelNotifier(issuer)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	authorizeHandler := endpoints.NewAuthorizeHandler(
		authorize.NewValidator(deps.Clients, scopeValidator),
		interaction, issuer, deps.Sessions, cfg.LoginURL, cfg.ConsentURL)

	router.Handle(endpoints.PathAuthorize, authorizeHandler)
	router.Method(http.MethodPost, endpoints.PathToken,
		endpoints.NewTokenHandler(auth, tokenValidator, issuer))
	router.Method(http.MethodPost, endpoints.PathIntrospection,
		endpoints.NewIntrospectionHandler(auth, deps.Store, deps.Keys, cfg.Issuer))
	router.Method(http.MethodPost, endpoints.PathRevocation,
		endpoints.NewRevocationHandler(auth, deps.Store))
	router.Handle(endpoints.PathEndSession,
		endpoints.NewEndSessionHandler(deps.Clients, deps.Store, deps.Keys, cfg.Issuer, notifier))
	router.Method(http.MethodGet, endpoints.PathJWKS,
		endpoints.NewJWKSHandler(deps.Keys))

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		notifier: notifier,
	}, nil
}

// Handler exposes the assembled router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown is called.
func (s *Server) ListenAndServe() error {
	logger.Infow("starting server", "address", s.cfg.Address, "issuer", s.cfg.Issuer)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and waits for pending back-channel
// logout deliveries.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.notifier.Wait()
	return err
}
