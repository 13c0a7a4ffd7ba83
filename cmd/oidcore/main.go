// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command oidcore runs the OAuth 2.0 / OpenID Connect provider with
// clients, resources, and users taken from a configuration file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/oidcore/pkg/endpoints"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/server"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "oidcore",
		Short:        "OAuth 2.0 / OpenID Connect provider",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "oidcore.yaml", "path to the configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, configPath string, debug bool) error {
	logger.Initialize(debug)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("failed to close store", "error", err)
		}
	}()

	keyProvider, err := buildKeyProvider(cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg.serverConfig(), server.Dependencies{
		Clients:   cfg.clientStore(),
		Resources: cfg.resourceStore(),
		Store:     store,
		Keys:      keyProvider,
		Sessions:  noSessionReader{},
		Profile:   cfg.profileService(),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// closableStore is the persistence surface plus lifecycle.
type closableStore interface {
	server.Store
	Close() error
}

func buildStore(ctx context.Context, cfg *fileConfig) (closableStore, error) {
	switch cfg.Storage.Type {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		return storage.NewRedisStore(ctx, cfg.redisConfig())
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func buildKeyProvider(cfg *fileConfig) (keys.Provider, error) {
	if cfg.Keys.Generate {
		return keys.NewGeneratingProvider(cfg.Keys.Algorithm), nil
	}
	return keys.NewFileProvider(keys.Config{
		KeyDir:           cfg.Keys.Dir,
		SigningKeyFile:   cfg.Keys.SigningKey,
		FallbackKeyFiles: cfg.Keys.FallbackKeys,
	})
}

// noSessionReader reports every browser request as unauthenticated. The
// login and consent UI is deployment-specific; integrations replace
// this by embedding pkg/server with their own SessionReader.
type noSessionReader struct{}

func (noSessionReader) Subject(_ *http.Request) (*session.Subject, error) {
	return nil, nil
}

// Compile-time interface check.
var _ endpoints.SessionReader = noSessionReader{}
