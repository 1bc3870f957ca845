package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sessionkit/sessionkit/pkg/cryptox"
	"github.com/sessionkit/sessionkit/pkg/session"
	"github.com/sessionkit/sessionkit/pkg/sessionstore/sqlite"
	"github.com/sessionkit/sessionkit/pkg/slogx"
)

// App wires the session manager, its SQLite persistence, and the
// cross-process notifier together for the CLI commands.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Manager *session.Manager

	store    *sqlite.Store
	notifier *sqlite.Notifier
}

// NewApp builds the full stack from configuration. The returned App must
// be closed to release the refresh timer, notifier, and database handle.
func NewApp(ctx context.Context, cfg Config, version string) (*App, error) {
	logger := slogx.New(slogx.Config{
		App:     "sessionctl",
		Version: version,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Writer:  os.Stderr,
	})

	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	var storeOpts []sqlite.Option
	storeOpts = append(storeOpts, sqlite.WithLogger(logger))
	if cfg.State.Secret != "" {
		cipher, err := cryptox.NewCipher([]byte(cfg.State.Secret))
		if err != nil {
			return nil, fmt.Errorf("init state cipher: %w", err)
		}
		storeOpts = append(storeOpts, sqlite.WithCipher(cipher))
	}

	store, err := sqlite.NewStore(cfg.State.Path, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if err := store.ApplyMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate session store: %w", err)
	}

	client := session.NewClient(cfg.Server.URL,
		session.WithClientLogger(logger),
	)

	manager := session.NewManager(client,
		session.WithStore(store),
		session.WithManagerLogger(logger),
		session.WithLeadDivisor(cfg.Refresh.LeadDivisor),
		session.WithMaxRefreshAttempts(cfg.Refresh.MaxAttempts),
	)

	notifier, err := sqlite.NewNotifier(ctx, store, manager.Events(),
		sqlite.WithNotifierLogger(logger),
	)
	if err != nil {
		manager.Close()
		store.Close()
		return nil, fmt.Errorf("init notifier: %w", err)
	}
	manager.Events().AddTransport(notifier)
	notifier.Start()

	if _, err := manager.Resume(ctx); err != nil {
		logger.Warn("session resume failed", "error", err)
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Manager:  manager,
		store:    store,
		notifier: notifier,
	}, nil
}

// Close tears the stack down in reverse dependency order.
func (a *App) Close() error {
	a.notifier.Close()
	a.Manager.Close()
	return a.store.Close()
}
