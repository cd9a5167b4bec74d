// Package app wires configuration into a runnable pipeline: logger, fetcher
// chain, case backends, stage registry and worker orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/cases/memory"
	pgcase "github.com/JakeFAU/stagecrawler/internal/cases/postgres"
	pubsubcase "github.com/JakeFAU/stagecrawler/internal/cases/pubsub"
	"github.com/JakeFAU/stagecrawler/internal/clock/system"
	"github.com/JakeFAU/stagecrawler/internal/config"
	headlessfetcher "github.com/JakeFAU/stagecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/stagecrawler/internal/logging"
	"github.com/JakeFAU/stagecrawler/internal/metrics"
	"github.com/JakeFAU/stagecrawler/internal/orchestrator"
	"github.com/JakeFAU/stagecrawler/internal/recipe"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *stage.Registry
	runtime  *stage.Runtime
	orch     *orchestrator.Orchestrator

	fetcher       stage.Fetcher
	headless      *headlessfetcher.Fetcher
	storage       *storage.Client
	pubsubClients map[string]*pubsub.Client
	publishers    []*pubsubcase.Publisher
	pgStores      []*pgcase.Store
	memory        map[string]*memory.Store
	metricsServer *http.Server
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithFetcher replaces the configured fetcher chain.
func WithFetcher(f stage.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{
		cfg:           cfg,
		pubsubClients: make(map[string]*pubsub.Client),
		memory:        make(map[string]*memory.Store),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
	}
	metrics.Init()

	app.logger.Info("building application dependencies",
		zap.String("mode", cfg.Pipeline.Mode),
		zap.Int("stages", len(cfg.Stages)),
		zap.Int("cases", len(cfg.Cases)),
	)

	if app.fetcher == nil {
		f, err := setupFetcher(app)
		if err != nil {
			return nil, err
		}
		app.fetcher = f
	}

	app.registry = stage.NewRegistry()
	if err := recipe.Register(app.registry, cfg.Stages); err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("stage registry init failed: %w", err)
	}
	if err := setupCases(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.registry.Validate(); err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("stage registry invalid: %w", err)
	}

	app.runtime = &stage.Runtime{
		Registry: app.registry,
		Fetcher:  app.fetcher,
		Clock:    system.New(),
		Logger:   app.logger.Named("stage"),
	}
	app.orch = orchestrator.New(orchestrator.Config{
		MaxWorkers:        cfg.Pipeline.MaxWorkers,
		ReserveEntrySlots: cfg.Pipeline.ReserveEntrySlots,
	}, app.logger.Named("orchestrator"))

	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Registry returns the stage registry.
func (a *App) Registry() *stage.Registry { return a.registry }

// Memory returns the in-memory case registered under name, if any.
func (a *App) Memory(name string) (*memory.Store, bool) {
	m, ok := a.memory[name]
	return m, ok
}

// Visit runs one pipeline. Empty entry or rawURL fall back to the configured
// pipeline.entry and pipeline.url.
func (a *App) Visit(ctx context.Context, entry, rawURL string) (stage.Result, error) {
	if entry == "" {
		entry = a.cfg.Pipeline.Entry
	}
	if rawURL == "" {
		rawURL = a.cfg.Pipeline.URL
	}
	if entry == "" {
		return stage.Failed, errors.New("no entry stage given and pipeline.entry is empty")
	}

	a.logger.Info("visit started",
		zap.String("entry", entry),
		zap.String("url", rawURL),
		zap.String("mode", a.cfg.Pipeline.Mode),
		zap.Int("max_workers", a.orch.MaxWorkers()),
	)
	start := time.Now()

	var (
		result stage.Result
		err    error
	)
	switch a.cfg.Pipeline.Mode {
	case config.ModeSequential:
		result, err = stage.Visit(ctx, a.runtime, entry, rawURL)
	default:
		result, err = a.orch.Visit(ctx, a.runtime, entry, rawURL)
	}

	fields := []zap.Field{
		zap.String("entry", entry),
		zap.Stringer("result", result),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		a.logger.Error("visit failed", append(fields, zap.Error(err))...)
		return result, err
	}
	a.logger.Info("visit finished", fields...)
	return result, nil
}

// StartMetrics serves /metrics and /healthz on metrics.addr. It is a no-op
// when no address is configured.
func (a *App) StartMetrics() {
	if a.cfg.Metrics.Addr == "" || a.metricsServer != nil {
		return
	}
	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           metrics.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := a.metricsServer
	go func() {
		a.logger.Info("metrics server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	for _, p := range a.publishers {
		p.Close()
	}
	for project, client := range a.pubsubClients {
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.String("project", project), zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	for _, s := range a.pgStores {
		s.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
}
