// Package app wires configuration into a running sync daemon and provides
// its lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/kimhsiao/fieldsync/internal/api"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/batch"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/httptransport"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/internal/sync/storage"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

const (
	// BlobDir is the payload directory inside the data directory.
	BlobDir = "blobs"

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// Option configures an App.
type Option func(*options)

type options struct {
	transport    syncpkg.Transport
	connectivity syncpkg.Connectivity
	clock        func() time.Time
}

// WithTransport replaces the HTTP transport.
func WithTransport(t syncpkg.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithConnectivity replaces the static quality from config.
func WithConnectivity(c syncpkg.Connectivity) Option {
	return func(o *options) { o.connectivity = c }
}

// WithClock overrides the store and resolver time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// App encapsulates the components of a running sync daemon.
type App struct {
	config    *config.Config
	db        *db.DB
	store     *queue.Store
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	telemetry *telemetry.Telemetry

	metricsServer   *http.Server
	metricsListener net.Listener
	apiServer       *http.Server
	apiListener     net.Listener

	ctx        context.Context
	cancelFunc context.CancelFunc
}

// OpenStore opens the durable store described by cfg. The caller closes the
// returned DB.
func OpenStore(cfg *config.Config, storeOpts ...queue.Option) (*db.DB, *queue.Store, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := storage.NewBlobStore(filepath.Join(cfg.DataDir, BlobDir))
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	opts := []queue.Option{
		queue.WithQuota(cfg.Store.QuotaBytes, cfg.Store.QuotaThreshold),
		queue.WithFailedEvictionAge(cfg.Store.FailedEvictionAge),
		queue.WithUploadedGrace(cfg.Store.UploadedGrace),
		queue.WithCacheTTL(cfg.Store.CacheTTL),
		queue.WithDefaultMaxRetries(cfg.Store.DefaultMaxRetries),
	}
	return database, queue.New(database, blobs, append(opts, storeOpts...)...), nil
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	strategy, err := batch.StrategyByName(cfg.Sync.Strategy)
	if err != nil {
		return nil, err
	}

	var storeOpts []queue.Option
	resolverOpts := []conflict.Option{
		conflict.WithPrioritizeUserData(cfg.Conflict.PrioritizeUserData),
		conflict.WithAutoResolveWindow(cfg.Conflict.AutoResolveWindow),
		conflict.WithHistorySize(cfg.Conflict.HistorySize),
	}
	if o.clock != nil {
		storeOpts = append(storeOpts, queue.WithClock(o.clock))
		resolverOpts = append(resolverOpts, conflict.WithClock(o.clock))
	}

	tel, err := telemetry.New(cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}

	database, store, err := OpenStore(cfg, storeOpts...)
	if err != nil {
		return nil, err
	}

	transport := o.transport
	if transport == nil {
		transport = httptransport.New(httptransport.Config{
			Timeout: cfg.Sync.RequestTimeout,
			Headers: cfg.Sync.Headers,
		})
	}
	connectivity := o.connectivity
	if connectivity == nil {
		connectivity = syncpkg.StaticConnectivity(batch.ParseQuality(cfg.Sync.Quality))
	}

	engine := syncpkg.New(store, transport,
		syncpkg.WithConfig(syncpkg.Config{
			UploadURL:      cfg.Sync.UploadURL,
			RequestTimeout: cfg.Sync.RequestTimeout,
			CycleLimit:     cfg.Sync.CycleLimit,
			Retry:          cfg.RetryPolicy(),
		}),
		syncpkg.WithConnectivity(connectivity),
		syncpkg.WithBatcher(batch.New(strategy)),
		syncpkg.WithResolver(conflict.NewResolver(resolverOpts...)),
		syncpkg.WithMetrics(metrics),
	)

	sched := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		config:     cfg,
		db:         database,
		store:      store,
		engine:     engine,
		scheduler:  sched,
		telemetry:  tel,
		ctx:        ctx,
		cancelFunc: cancel,
	}, nil
}

// Start recovers crash leftovers, starts the scheduler and, when enabled,
// the metrics endpoint and the control API. It does not block.
func (app *App) Start() error {
	if err := app.engine.Recover(app.ctx); err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}

	if handler := app.telemetry.Handler(); handler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv, ln, err := listen("Metrics", app.config.Metrics.Address, mux)
		if err != nil {
			return err
		}
		app.metricsServer, app.metricsListener = srv, ln
	}

	if app.config.API.Enabled {
		srv, ln, err := listen("Control API", app.config.API.Address, api.Router(app.engine, app.scheduler))
		if err != nil {
			return err
		}
		app.apiServer, app.apiListener = srv, ln
	}

	app.scheduler.Start(app.ctx)
	logging.Info("Sync daemon started", map[string]interface{}{
		"data_dir": app.config.DataDir,
		"strategy": app.config.Sync.Strategy,
		"interval": app.config.Sync.Interval.String(),
	})
	return nil
}

// listen binds address and serves handler in the background.
func listen(name, address string, handler http.Handler) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for %s: %w", strings.ToLower(name), err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(name+" server failed", err, nil)
		}
	}()
	logging.Info(name+" listening", map[string]interface{}{"address": ln.Addr().String()})
	return srv, ln, nil
}

// Stop stops the scheduler, waits for the running cycle and shuts down the
// metrics endpoint within timeout, then closes the store.
func (app *App) Stop(timeout time.Duration) error {
	logging.Info("Shutting down sync daemon", nil)

	app.scheduler.Stop()
	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("control API forced to shutdown: %w", err))
		}
	}
	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server forced to shutdown: %w", err))
		}
	}
	if err := app.telemetry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if err := app.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	logging.Info("Sync daemon shutdown complete", nil)
	return errors.Join(errs...)
}

// Engine returns the sync engine.
func (app *App) Engine() *syncpkg.Engine {
	return app.engine
}

// Scheduler returns the background scheduler.
func (app *App) Scheduler() *scheduler.Scheduler {
	return app.scheduler
}

// Store returns the durable store.
func (app *App) Store() *queue.Store {
	return app.store
}

// Config returns the application configuration.
func (app *App) Config() *config.Config {
	return app.config
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (app *App) MetricsAddr() string {
	if app.metricsListener == nil {
		return ""
	}
	return app.metricsListener.Addr().String()
}

// APIAddr returns the bound control API address, or "" when it is off.
func (app *App) APIAddr() string {
	if app.apiListener == nil {
		return ""
	}
	return app.apiListener.Addr().String()
}
