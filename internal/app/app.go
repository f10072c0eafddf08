// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/opsdeskhq/opsdesk/internal/audit"
	"github.com/opsdeskhq/opsdesk/internal/collection"
	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/database"
	"github.com/opsdeskhq/opsdesk/internal/event"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/mutation"
	"github.com/opsdeskhq/opsdesk/internal/notify"
	"github.com/opsdeskhq/opsdesk/internal/retry"
	"github.com/opsdeskhq/opsdesk/internal/store"
)

// App represents the application instance with its dependencies.
//
// Exactly one Retry coordinator and one Bus exist per App: the retry queue
// and connectivity state are shared across every collection and mutation
// so a single network outage is observed and drained once.
type App struct {
	Config      *config.Config
	Store       store.Store
	Bus         *event.Bus
	Retry       *retry.Coordinator
	Audit       audit.Repository
	Notifier    *notify.Notifier
	Collections *collection.Service
	Mutations   *mutation.Coordinator

	healthStop func()
	watchStop  func()
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app, err := initServices(cfg)
	if err != nil {
		return nil, err
	}

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires the engine: store client, push transport, event bus,
// resilience engine, collections and mutations
func initServices(cfg *config.Config) (*App, error) {
	logger := loggy.GetGlobalLogger()
	ctx := context.Background()

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	auditRepo := audit.NewSQLRepository(db, logger)

	storeClient := store.NewClient(cfg.Server.URL, cfg.Server.Token, cfg.Server.Timeout, store.Options{
		MaxIdleConns:        cfg.Server.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Server.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Server.IdleConnTimeout,
	}, logger)

	notifier := notify.NewNotifier(logger)
	retries := retry.NewCoordinator(cfg.Sync, auditRepo, notifier, logger)

	transport := event.NewWebSocketTransport(cfg.Server.EventsURL, cfg.Server.Token, logger)
	bus := event.NewBus(transport, logger)
	watchCtx, watchStop := context.WithCancel(context.Background())
	if err := bus.Start(ctx); err != nil {
		// The engine still works without the push feed; collections run
		// degraded on polling until the feed comes back
		loggy.Warn("Push feed unavailable, collections will poll", "error", err)
		retries.SetOnline(false)

		// With no feed health to watch, connectivity comes from pinging
		// the store, so the offline queue can still drain
		go retry.WatchConnectivity(watchCtx, retries, retry.ConnectivityFunc(func(ctx context.Context) bool {
			return storeClient.Ping(ctx) == nil
		}), 0, logger)
	}

	// The feed's health doubles as the connectivity signal
	healthStop := bus.OnHealthChange(func(healthy bool) {
		retries.SetOnline(healthy)
	})

	collections := collection.NewService(storeClient, bus, cfg.Sync, logger)
	mutations := mutation.NewCoordinator(storeClient, collections, retries, bus, cfg.Sync, logger)
	if err := mutations.Start(ctx); err != nil {
		loggy.Warn("Mutation coordinator running without server-wins feed", "error", err)
	}

	return &App{
		Config:      cfg,
		Store:       storeClient,
		Bus:         bus,
		Retry:       retries,
		Audit:       auditRepo,
		Notifier:    notifier,
		Collections: collections,
		Mutations:   mutations,
		healthStop:  healthStop,
		watchStop:   watchStop,
	}, nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if app.healthStop != nil {
		app.healthStop()
	}
	if app.watchStop != nil {
		app.watchStop()
	}
	if app.Mutations != nil {
		app.Mutations.Close(ctx)
	}
	if app.Collections != nil {
		app.Collections.Shutdown(ctx)
	}
	if app.Retry != nil {
		app.Retry.Close()
	}
	if app.Bus != nil {
		if err := app.Bus.Close(); err != nil {
			loggy.Error("Error closing event bus", "error", err)
		}
	}

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
