// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/oidcore/pkg/claims"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/server"
	"github.com/stacklok/oidcore/pkg/storage"
	"github.com/stacklok/oidcore/pkg/token"
)

// fileConfig is the on-disk configuration document.
type fileConfig struct {
	Server    serverSection   `mapstructure:"server"`
	Storage   storageSection  `mapstructure:"storage"`
	Keys      keysSection     `mapstructure:"keys"`
	Clients   []clientSection `mapstructure:"clients"`
	Resources resourceSection `mapstructure:"resources"`
	Users     []userSection   `mapstructure:"users"`
}

type serverSection struct {
	Issuer     string `mapstructure:"issuer"`
	Address    string `mapstructure:"address"`
	LoginURL   string `mapstructure:"login_url"`
	ConsentURL string `mapstructure:"consent_url"`
}

type storageSection struct {
	// Type is "memory" or "redis".
	Type  string       `mapstructure:"type"`
	Redis redisSection `mapstructure:"redis"`
}

type redisSection struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type keysSection struct {
	// Generate produces an ephemeral key; for development only.
	Generate  bool   `mapstructure:"generate"`
	Algorithm string `mapstructure:"algorithm"`

	Dir          string   `mapstructure:"dir"`
	SigningKey   string   `mapstructure:"signing_key"`
	FallbackKeys []string `mapstructure:"fallback_keys"`
}

type clientSection struct {
	ID            string          `mapstructure:"id"`
	Enabled       bool            `mapstructure:"enabled"`
	RequireSecret bool            `mapstructure:"require_secret"`
	Secrets       []secretSection `mapstructure:"secrets"`

	GrantTypes             []string `mapstructure:"grant_types"`
	AllowedScopes          []string `mapstructure:"allowed_scopes"`
	RedirectURIs           []string `mapstructure:"redirect_uris"`
	PostLogoutRedirectURIs []string `mapstructure:"post_logout_redirect_uris"`

	RequirePKCE          bool `mapstructure:"require_pkce"`
	AllowPlainTextPKCE   bool `mapstructure:"allow_plain_text_pkce"`
	RequireConsent       bool `mapstructure:"require_consent"`
	AllowRememberConsent bool `mapstructure:"allow_remember_consent"`
	AllowOfflineAccess   bool `mapstructure:"allow_offline_access"`
	RotateRefreshTokens  bool `mapstructure:"rotate_refresh_tokens"`
	EnableLocalLogin     bool `mapstructure:"enable_local_login"`

	AccessTokenFormat   string        `mapstructure:"access_token_format"`
	AccessTokenLifetime time.Duration `mapstructure:"access_token_lifetime"`

	FrontChannelLogoutURI             string `mapstructure:"front_channel_logout_uri"`
	FrontChannelLogoutSessionRequired bool   `mapstructure:"front_channel_logout_session_required"`
	BackChannelLogoutURI              string `mapstructure:"back_channel_logout_uri"`
	BackChannelLogoutSessionRequired  bool   `mapstructure:"back_channel_logout_session_required"`
}

type secretSection struct {
	Type  string `mapstructure:"type"`
	Value string `mapstructure:"value"`
}

type resourceSection struct {
	Identity []identitySection `mapstructure:"identity"`
	APIs     []apiSection      `mapstructure:"apis"`
}

type identitySection struct {
	Name       string   `mapstructure:"name"`
	Enabled    bool     `mapstructure:"enabled"`
	Required   bool     `mapstructure:"required"`
	ClaimTypes []string `mapstructure:"claim_types"`
}

type apiSection struct {
	Name    string         `mapstructure:"name"`
	Enabled bool           `mapstructure:"enabled"`
	Scopes  []scopeSection `mapstructure:"scopes"`
}

type scopeSection struct {
	Name     string `mapstructure:"name"`
	Enabled  bool   `mapstructure:"enabled"`
	Required bool   `mapstructure:"required"`
}

type userSection struct {
	SubjectID string              `mapstructure:"subject_id"`
	Claims    map[string][]string `mapstructure:"claims"`
}

// loadConfig reads the configuration file and environment overrides.
// Environment variables use the OIDCORE_ prefix with underscores, e.g.
// OIDCORE_SERVER_ADDRESS.
func loadConfig(path string) (*fileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("oidcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("storage.type", "memory")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func (c *fileConfig) serverConfig() server.Config {
	return server.Config{
		Issuer:     c.Server.Issuer,
		Address:    c.Server.Address,
		LoginURL:   c.Server.LoginURL,
		ConsentURL: c.Server.ConsentURL,
	}
}

func (c *fileConfig) redisConfig() storage.RedisConfig {
	return storage.RedisConfig{
		Addr:      c.Storage.Redis.Addr,
		Username:  c.Storage.Redis.Username,
		Password:  c.Storage.Redis.Password,
		DB:        c.Storage.Redis.DB,
		KeyPrefix: c.Storage.Redis.KeyPrefix,
	}
}

func (c *fileConfig) clientStore() *registry.InMemoryClientStore {
	clients := make([]*registry.Client, 0, len(c.Clients))
	for _, cc := range c.Clients {
		secrets := make([]registry.Secret, 0, len(cc.Secrets))
		for _, s := range cc.Secrets {
			secrets = append(secrets, registry.Secret{Type: s.Type, Value: s.Value})
		}

		clients = append(clients, &registry.Client{
			ID:                     cc.ID,
			Enabled:                cc.Enabled,
			RequireSecret:          cc.RequireSecret,
			Secrets:                secrets,
			GrantTypes:             cc.GrantTypes,
			AllowedScopes:          cc.AllowedScopes,
			RedirectURIs:           cc.RedirectURIs,
			PostLogoutRedirectURIs: cc.PostLogoutRedirectURIs,
			RequirePKCE:            cc.RequirePKCE,
			AllowPlainTextPKCE:     cc.AllowPlainTextPKCE,
			RequireConsent:         cc.RequireConsent,
			AllowRememberConsent:   cc.AllowRememberConsent,
			AllowOfflineAccess:     cc.AllowOfflineAccess,
			RotateRefreshTokens:    cc.RotateRefreshTokens,
			EnableLocalLogin:       cc.EnableLocalLogin,
			AccessTokenFormat:      cc.AccessTokenFormat,
			AccessTokenLifetime:    cc.AccessTokenLifetime,

			FrontChannelLogoutURI:             cc.FrontChannelLogoutURI,
			FrontChannelLogoutSessionRequired: cc.FrontChannelLogoutSessionRequired,
			BackChannelLogoutURI:              cc.BackChannelLogoutURI,
			BackChannelLogoutSessionRequired:  cc.BackChannelLogoutSessionRequired,
		})
	}
	return registry.NewInMemoryClientStore(clients...)
}

func (c *fileConfig) resourceStore() *registry.InMemoryResourceStore {
	identity := make([]registry.IdentityResource, 0, len(c.Resources.Identity))
	for _, id := range c.Resources.Identity {
		identity = append(identity, registry.IdentityResource{
			Name:       id.Name,
			Enabled:    id.Enabled,
			Required:   id.Required,
			ClaimTypes: id.ClaimTypes,
		})
	}

	apis := make([]registry.APIResource, 0, len(c.Resources.APIs))
	for _, api := range c.Resources.APIs {
		apiScopes := make([]registry.Scope, 0, len(api.Scopes))
		for _, s := range api.Scopes {
			apiScopes = append(apiScopes, registry.Scope{
				Name:     s.Name,
				Enabled:  s.Enabled,
				Required: s.Required,
			})
		}
		apis = append(apis, registry.APIResource{
			Name:    api.Name,
			Enabled: api.Enabled,
			Scopes:  apiScopes,
		})
	}

	return registry.NewInMemoryResourceStore(identity, apis)
}

func (c *fileConfig) profileService() *token.StaticProfileService {
	profile := &token.StaticProfileService{
		Claims:   make(map[string]claims.Set, len(c.Users)),
		Inactive: map[string]bool{},
	}
	for _, u := range c.Users {
		set := claims.New()
		for claimType, values := range u.Claims {
			set[claimType] = values
		}
		profile.Claims[u.SubjectID] = set
	}
	return profile
}
