// Package app wires configuration into the long-lived services a scrapeq
// process runs: the store, scrapers, worker, scheduler and admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/api"
	"github.com/JakeFAU/scrapeq/internal/browser"
	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/id/uuid"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/progress"
	progresssinks "github.com/JakeFAU/scrapeq/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/scrapeq/internal/publisher/pubsub"
	"github.com/JakeFAU/scrapeq/internal/results"
	"github.com/JakeFAU/scrapeq/internal/scheduler"
	"github.com/JakeFAU/scrapeq/internal/scrape"
	"github.com/JakeFAU/scrapeq/internal/scraper"
	gcsarchive "github.com/JakeFAU/scrapeq/internal/storage/gcs"
	localarchive "github.com/JakeFAU/scrapeq/internal/storage/local"
	pgstore "github.com/JakeFAU/scrapeq/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/scrapeq/internal/storage/sqlite"
	"github.com/JakeFAU/scrapeq/internal/telemetry"
	"github.com/JakeFAU/scrapeq/internal/worker"
)

// App holds the services built from a Config. Build it with New and release
// it with Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scrape.Clock

	store     scrape.Store
	registry  *scraper.Registry
	browser   *browser.Pool
	sink      *results.Sink
	hub       *progress.Hub
	worker    *worker.Worker
	scheduler *scheduler.Scheduler
	api       *api.Server

	gcsClient      *storage.Client
	publisher      *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      scrape.Clock
}

// WithRegisterer registers progress and queue collectors against reg instead
// of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides the wall clock used by the store, worker and scheduler.
func WithClock(c scrape.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New opens the store, seeds configured schedules and builds every component.
// On error everything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer, clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	if a.store, err = openStore(ctx, cfg, o.clock); err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver))

	if err = a.setupScrapers(); err != nil {
		return nil, err
	}
	if err = a.setupResults(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(ctx, o.registerer); err != nil {
		return nil, err
	}
	if err = o.registerer.Register(metrics.NewQueueCollector(a.store, cfg.Worker.MaxConcurrentJobs)); err != nil {
		return nil, fmt.Errorf("register queue collector: %w", err)
	}

	a.worker, err = worker.New(worker.Config{
		WorkerID:           cfg.Worker.ID,
		PollInterval:       cfg.Worker.PollInterval,
		StaleCheckInterval: cfg.Worker.StaleCheckInterval,
		MaxConcurrentJobs:  cfg.Worker.MaxConcurrentJobs,
		DrainTimeout:       cfg.Worker.DrainTimeout,
	}, worker.Deps{
		Queue:    a.store,
		Settings: a.store,
		Registry: a.registry,
		Sink:     a.sink,
		Emitter:  a.emitter(),
		Clock:    o.clock,
		IDs:      uuid.New(),
		Logger:   logger.Named("worker"),
		Tracer:   tp.Tracer("scrapeq/worker"),
	})
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	a.scheduler, err = scheduler.New(scheduler.Config{
		CheckInterval: cfg.Scheduler.CheckInterval,
		Priority:      cfg.Scheduler.Priority,
	}, a.store, o.clock, a.emitter(), logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}
	for _, seed := range cfg.Schedules {
		if !a.registry.Has(seed.Scraper) {
			return nil, fmt.Errorf("schedule for %q: %w", seed.Scraper, scrape.ErrUnknownScraper)
		}
	}
	if err = a.scheduler.SeedSchedules(ctx, cfg.Schedules); err != nil {
		return nil, err
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.api, err = api.NewServer(api.Deps{
		Store:         a.store,
		Catalog:       a.registry,
		Worker:        a.worker,
		Scheduler:     a.scheduler,
		Emitter:       a.emitter(),
		Hub:           a.hub,
		Clock:         o.clock,
		Logger:        logger.Named("api"),
		FallbackLimit: cfg.Worker.MaxConcurrentJobs,
		APIKey:        apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}

	logger.Info("application services initialized",
		zap.Strings("scrapers", a.registry.Names()),
		zap.String("worker_id", a.worker.ID()),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, clock scrape.Clock) (scrape.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Store.Postgres.DSN,
			MaxConns:        cfg.Store.Postgres.MaxConns,
			MinConns:        cfg.Store.Postgres.MinConns,
			MaxConnLifetime: cfg.Store.Postgres.MaxConnLifetime,
			StaleTimeout:    cfg.Queue.StaleTimeout,
			MaxRetries:      cfg.Queue.MaxRetries,
			Migrate:         cfg.Store.Postgres.Migrate,
			Clock:           clock,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return s, nil
	default:
		s, err := sqlitestore.New(ctx, sqlitestore.Config{
			Path:         cfg.Store.SQLite.Path,
			BusyTimeout:  cfg.Store.SQLite.BusyTimeout,
			StaleTimeout: cfg.Queue.StaleTimeout,
			MaxRetries:   cfg.Queue.MaxRetries,
			MaxOpenConns: cfg.Store.SQLite.MaxOpenConns,
			Clock:        clock,
		})
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		return s, nil
	}
}

func (a *App) setupScrapers() error {
	var renderer browser.Renderer = browser.Disabled{}
	if a.cfg.Browser.Enabled {
		pool, err := browser.NewPool(a.cfg.Browser)
		if err != nil {
			return fmt.Errorf("browser pool init failed: %w", err)
		}
		a.browser = pool
		renderer = pool
		a.logger.Info("headless browser enabled", zap.Int("max_parallel", a.cfg.Browser.MaxParallel))
	}
	reg, err := scraper.Build(a.cfg.Scrapers, scraper.Deps{
		HTTP:             a.cfg.HTTP,
		Renderer:         renderer,
		Clock:            a.clock,
		OnRateLimitDelay: metrics.ObserveRateLimitDelay,
	})
	if err != nil {
		return fmt.Errorf("scraper registry init failed: %w", err)
	}
	a.registry = reg
	return nil
}

func (a *App) setupResults(ctx context.Context) error {
	var archives []results.NamedSink
	if a.cfg.Archive.LocalDir != "" {
		local, err := localarchive.New(localarchive.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		archives = append(archives, results.NamedSink{Name: "local", Sink: local})
		a.logger.Info("local archive enabled", zap.String("dir", local.Dir()))
	}
	if a.cfg.Archive.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		gcs, err := gcsarchive.New(client, gcsarchive.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		archives = append(archives, results.NamedSink{Name: "gcs", Sink: gcs})
		a.logger.Info("gcs archive enabled", zap.String("bucket", a.cfg.Archive.GCSBucket))
	}
	sink, err := results.New(a.store, a.logger.Named("results"), archives...)
	if err != nil {
		return fmt.Errorf("results sink init failed: %w", err)
	}
	sink.OnArchiveFailure(metrics.ObserveArchiveFailure)
	a.sink = sink
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.Topic != "" {
		a.publisher, err = gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		pubSink, err := progresssinks.NewPubSubSink(a.publisher, a.cfg.PubSub.Topic, a.logger.Named("progress_pubsub"),
			progress.StageJobDone, progress.StageJobFailed)
		if err != nil {
			return err
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Info("pubsub progress sink enabled",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	return nil
}

func (a *App) emitter() progress.Emitter {
	if a.hub == nil {
		return progress.Nop{}
	}
	return a.hub
}

// Store returns the durable store.
func (a *App) Store() scrape.Store { return a.store }

// Registry returns the scraper registry.
func (a *App) Registry() *scraper.Registry { return a.registry }

// Sink returns the results sink used by workers and ad-hoc runs.
func (a *App) Sink() scrape.ResultSink { return a.sink }

// Emitter returns the progress emitter.
func (a *App) Emitter() progress.Emitter { return a.emitter() }

// Worker returns the configured worker.
func (a *App) Worker() *worker.Worker { return a.worker }

// Scheduler returns the configured scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// RunOptions selects which loops Run starts.
type RunOptions struct {
	Worker    bool
	Scheduler bool
	API       bool
}

// Run starts the selected components and blocks until ctx is canceled and
// they have all stopped. The worker drains in-flight jobs before Run returns.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if !opts.Worker && !opts.Scheduler && !opts.API {
		return errors.New("nothing to run")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancel()
	}

	if opts.Scheduler {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer a.scheduler.Stop()
	}

	if opts.Worker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.worker.Run(ctx); err != nil {
				fail(fmt.Errorf("worker: %w", err))
			}
		}()
	}

	if opts.API {
		srv := &http.Server{
			Addr:              a.cfg.Addr(),
			Handler:           a.api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail(fmt.Errorf("http server: %w", err))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	a.logger.Info("application started",
		zap.Bool("worker", opts.Worker),
		zap.Bool("scheduler", opts.Scheduler),
		zap.Bool("api", opts.API),
	)
	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	wg.Wait()
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases every service in reverse construction order. It is safe to
// call on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
