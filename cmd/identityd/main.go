// Command identityd runs the identity and token lifecycle server.
//
// Configuration is read from the environment; a .env file in the working
// directory is loaded first when present. See identity.Config for the
// recognized variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/quartzlabs/identity"
	"github.com/quartzlabs/identity/instrumentation"
	"github.com/quartzlabs/identity/password"
	"github.com/quartzlabs/identity/principal"
	"github.com/quartzlabs/identity/security"
	"github.com/quartzlabs/identity/server"
	"github.com/quartzlabs/identity/storage"
	"github.com/quartzlabs/identity/storage/memory"
	"github.com/quartzlabs/identity/storage/valkey"
	"github.com/quartzlabs/identity/token"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("identityd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// The .env file is a development convenience; its absence is not an
	// error.
	_ = godotenv.Load()

	cfg, err := identity.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "identityd",
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}

	keys, err := loadKeyProvider(cfg, logger)
	if err != nil {
		return err
	}

	tokens, err := token.NewService(keys, token.Config{
		Issuer:     cfg.Issuer,
		AccessTTL:  cfg.AccessTokenTTL,
		SessionTTL: cfg.SessionTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	store, err := openStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer store.Stop()

	srv, err := server.New(store, tokens, password.NewBcryptHasher(bcrypt.DefaultCost), &server.Config{
		AuthorizationCodeTTL: cfg.AuthorizationCodeTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create flow server: %w", err)
	}

	auditor := security.NewAuditor(logger, security.SystemClock{}, cfg.EnableAuditLogging)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	// Breach-signal logging gets its own tight budget so replay floods
	// cannot drown the audit stream.
	breachLimiter := security.NewRateLimiter(1, 5, logger)
	defer breachLimiter.Stop()
	srv.SetSecurityEventRateLimiter(breachLimiter)

	resolver := principal.NewResolver(tokens, store, store, logger)

	handler, err := identity.NewHandler(srv, resolver, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	defer handler.Stop()
	handler.SetAuditor(auditor)
	handler.SetInstrumentation(inst)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("identityd listening",
			"addr", cfg.Addr,
			"issuer", cfg.Issuer,
			"storage_backend", cfg.StorageBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Instrumentation shutdown failed", "error", err)
	}
	return nil
}

// loadKeyProvider loads the configured signing key, or generates an ephemeral
// one for development when none is configured.
func loadKeyProvider(cfg *identity.Config, logger *slog.Logger) (token.KeyProvider, error) {
	if cfg.SigningKeyPEM != "" {
		keys, err := token.ParseKeyProviderPEM([]byte(cfg.SigningKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		return keys, nil
	}

	logger.Warn("No signing key configured, generating an ephemeral key; tokens will not survive a restart")
	keys, err := token.GenerateKeyProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return keys, nil
}

// openStore creates the configured storage backend. The choice is explicit
// configuration; identityd never probes its environment to guess.
func openStore(cfg *identity.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, error) {
	switch cfg.StorageBackend {
	case identity.StorageBackendMemory:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, nil

	case identity.StorageBackendValkey:
		store, err := valkey.New(valkey.Config{
			Address:  cfg.Valkey.Address,
			Password: cfg.Valkey.Password,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
