// Package app wires the auth core together: configuration, logging, the
// persisted store, providers, MFA modules and the manager façade.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthd/hearth/internal/auth"
	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/auth/mfa"
	"github.com/hearthd/hearth/internal/auth/providers"
	"github.com/hearthd/hearth/internal/auth/store"
	"github.com/hearthd/hearth/internal/flow"
	"github.com/hearthd/hearth/internal/storage"
	"github.com/hearthd/hearth/pkg/slogx"
)

// BuildVersion should be set at build time via ldflags.
const BuildVersion = "v0.1.0"

// Application holds the assembled auth core.
type Application struct {
	cfg    Config
	logger *slog.Logger

	authStore    *store.AuthStore
	manager      *auth.Manager
	housekeeping *auth.Housekeeping
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "hearth-auth",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	newStorage := func(key string, version int) *storage.Store {
		return storage.NewStore(cfg.DataDir, key, version, app.logger)
	}

	app.authStore = store.New(
		newStorage(store.StorageKey, store.StorageVersion),
		app.logger,
		store.WithVersion(BuildVersion),
	)

	provs, err := app.initProviders(newStorage)
	if err != nil {
		return nil, err
	}
	modules, err := app.initMFAModules(newStorage)
	if err != nil {
		return nil, err
	}

	app.manager = auth.NewManager(app.logger, app.authStore, provs, modules,
		auth.WithFlowOptions(flow.WithRateLimit(cfg.FlowRatePerMinute, cfg.FlowRateBurst)))
	app.housekeeping = auth.NewHousekeeping(app.manager, cfg.HousekeepingInterval, app.logger)

	return app, nil
}

// Manager exposes the auth façade, for transports built on top.
func (app *Application) Manager() *auth.Manager { return app.manager }

func (app *Application) providerDeps(newStorage func(string, int) *storage.Store) providers.Deps {
	return providers.Deps{
		Logger:     app.logger,
		NewStorage: newStorage,
		Users: func(ctx context.Context) ([]*domain.User, error) {
			return app.authStore.Users(ctx)
		},
		Credentials: app.authStore.CredentialsByProvider,
	}
}

func (app *Application) initProviders(newStorage func(string, int) *storage.Store) ([]providers.AuthProvider, error) {
	deps := app.providerDeps(newStorage)

	configs := []providers.Config{{Type: providers.TypePassword}}

	if app.cfg.Command != "" {
		options := map[string]any{"command": app.cfg.Command, "meta": app.cfg.CommandMeta}
		if len(app.cfg.CommandArgs) > 0 {
			args := make([]any, 0, len(app.cfg.CommandArgs))
			for _, a := range app.cfg.CommandArgs {
				args = append(args, a)
			}
			options["args"] = args
		}
		configs = append(configs, providers.Config{Type: providers.TypeCommand, Options: options})
	}

	if len(app.cfg.TrustedNetworks) > 0 || app.cfg.ProxySecretFingerprint != "" {
		networks := make([]any, 0, len(app.cfg.TrustedNetworks))
		for _, n := range app.cfg.TrustedNetworks {
			networks = append(networks, n)
		}
		configs = append(configs, providers.Config{
			Type: providers.TypeTrustedProxy,
			Options: map[string]any{
				"trusted_networks":   networks,
				"secret_fingerprint": app.cfg.ProxySecretFingerprint,
			},
		})
	}

	if app.cfg.LegacyAPIPassword != "" {
		configs = append(configs, providers.Config{
			Type:    providers.TypeLegacyAPIPassword,
			Options: map[string]any{"api_password": app.cfg.LegacyAPIPassword},
		})
	}

	var out []providers.AuthProvider
	for _, cfg := range configs {
		p, err := providers.New(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("init auth provider %s: %w", cfg.Type, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (app *Application) initMFAModules(newStorage func(string, int) *storage.Store) ([]mfa.Module, error) {
	deps := mfa.Deps{
		Logger:     app.logger,
		NewStorage: newStorage,
		Notifier:   &logNotifier{logger: app.logger},
	}

	var out []mfa.Module
	for _, moduleType := range app.cfg.MFAModules {
		cfg := mfa.Config{Type: moduleType}
		switch moduleType {
		case mfa.TypeTOTP:
			if app.cfg.TOTPIssuer != "" {
				cfg.Options = map[string]any{"issuer": app.cfg.TOTPIssuer}
			}
		case mfa.TypeNotify:
			cfg.Options = map[string]any{
				"notify_service": app.cfg.NotifyService,
				"target":         app.cfg.NotifyTarget,
			}
		}
		m, err := mfa.New(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("init mfa module %s: %w", moduleType, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	ctx := context.Background()
	if err := app.authStore.Load(ctx); err != nil {
		return fmt.Errorf("load auth store: %w", err)
	}

	app.housekeeping.Start()
	app.logger.Info("auth core started", "version", BuildVersion, "data_dir", app.cfg.DataDir)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	done := make(chan error, 1)
	go func() { done <- app.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-time.After(app.cfg.ShutdownGracePeriod):
		return fmt.Errorf("shutdown timed out after %s", app.cfg.ShutdownGracePeriod)
	}
}

// Shutdown stops background work and flushes pending writes.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down auth core...")

	app.housekeeping.Stop()

	if err := app.manager.Flush(); err != nil {
		app.logger.Error("flush on shutdown failed", "error", err)
		return err
	}

	app.logger.Info("auth core stopped")
	return nil
}

// logNotifier is the default delivery channel for pushed one-time codes.
// Deployments with a real messaging integration replace it through the
// module deps.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Call(ctx context.Context, service, message, target string) error {
	n.logger.Info("notify", "service", service, "target", target, "message", message)
	return nil
}
