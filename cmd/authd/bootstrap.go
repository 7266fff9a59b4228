package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"broker-auth-service/internal/api"
	"broker-auth-service/internal/auth"
	"broker-auth-service/internal/auth/authobs"
	"broker-auth-service/internal/broker"
	"broker-auth-service/internal/interfaces"
	"broker-auth-service/internal/logger"
	"broker-auth-service/internal/store"
	"broker-auth-service/internal/trace"
	"broker-auth-service/internal/vault"
)

// initializeSystem initializes env, logger, and tracer
func initializeSystem() error {
	// Load environment variables
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}

	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// initializeVault loads the process-wide encryption key. Absence of
// the key is fatal: running without encryption at rest is not an
// option.
func initializeVault(ctx context.Context, cfg *store.Config) (*vault.Vault, error) {
	v, err := vault.NewFromEnv(cfg.Vault.KeyEnv)
	if err != nil {
		logger.ErrorWithErr(ctx, "Vault key unavailable", err, "env", cfg.Vault.KeyEnv)
		return nil, err
	}
	logger.Info(ctx, "Vault initialized", "key_env", cfg.Vault.KeyEnv)
	return v, nil
}

// initializeStore opens the database and migrates the schema
func initializeStore(ctx context.Context, cfg *store.Config) (*store.Store, error) {
	st, err := store.Open(cfg)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to open store", err,
			"driver", cfg.Database.Driver)
		return nil, err
	}
	logger.Info(ctx, "Store ready", "driver", cfg.Database.Driver)
	return st, nil
}

// initializeManager wires the token manager with observability
func initializeManager(ctx context.Context, cfg *store.Config, st *store.Store, v *vault.Vault) interfaces.TokenManager {
	mgr := auth.NewManager(auth.Options{
		Configs:         st,
		Tokens:          st,
		Vault:           v,
		Adapters:        broker.ForName,
		Prober:          api.NewProber(),
		RedirectURI:     cfg.Broker.RedirectURI,
		CorrelationTTL:  cfg.CorrelationTTL(),
		RefreshSkew:     cfg.RefreshSkew(),
		ExpiringWindow:  cfg.ExpiringWindow(),
		FlightTimeout:   cfg.FlightTimeout(),
		BackoffBase:     cfg.BackoffBase(),
		BackoffFactor:   cfg.Auth.Backoff.Factor,
		BackoffAttempts: cfg.Auth.Backoff.Attempts,
	})

	logger.Info(ctx, "Token manager initialized",
		"brokers", broker.Supported(),
		"redirect_uri", cfg.Broker.RedirectURI,
	)

	// Wrap with observability middleware
	return authobs.Wrap(mgr)
}
