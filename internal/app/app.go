// Package app initializes and holds the long-lived services one
// command invocation needs: logger, store, progress hub, and the ops
// server. It acts as a small dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/api"
	"github.com/infomdss/knrb-crawler/internal/config"
	"github.com/infomdss/knrb-crawler/internal/logging"
	"github.com/infomdss/knrb-crawler/internal/progress"
	"github.com/infomdss/knrb-crawler/internal/progress/sinks"
	"github.com/infomdss/knrb-crawler/internal/scrape"
	"github.com/infomdss/knrb-crawler/internal/store/fsjson"
	"github.com/infomdss/knrb-crawler/internal/store/postgres"
)

// App holds the shared services for one command invocation.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    scrape.Store
	fsStore  *fsjson.Store
	hub      *progress.Hub
	registry *prometheus.Registry
	server   *api.Server
}

// New builds every service the configuration asks for. It fails fast:
// a store that cannot be reached aborts startup rather than the run.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	switch cfg.Store.Provider {
	case "postgres":
		logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, cfg.Store.Postgres.DSN, int(cfg.Store.Postgres.MaxConns), logger)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		a.store = store
	case "fsjson":
		logger.Info("using filesystem store", zap.String("dir", cfg.Store.FSJSON.Dir))
		store, err := fsjson.New(cfg.Store.FSJSON.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing filesystem store: %w", err)
		}
		a.store = store
		a.fsStore = store
	default:
		return nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	snapshot := sinks.NewSnapshotSink()
	a.hub = progress.NewHub(nil, logger,
		sinks.NewZapSink(logger),
		sinks.NewPromSink(a.registry),
		snapshot,
	)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	a.server = api.NewServer(addr, snapshot, a.registry, logger)
	a.server.Start()
	logger.Info("ops server listening", zap.String("addr", addr))

	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the configured persistence sink.
func (a *App) Store() scrape.Store {
	return a.store
}

// FSStore returns the filesystem store when that provider is active,
// nil otherwise. The import command needs the concrete type.
func (a *App) FSStore() *fsjson.Store {
	return a.fsStore
}

// Hub returns the progress hub.
func (a *App) Hub() *progress.Hub {
	return a.hub
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Close shuts services down in reverse order of construction.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("ops server shutdown failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync()
}
