// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/api"
	"github.com/JakeFAU/scheme-crawler/internal/clock/system"
	"github.com/JakeFAU/scheme-crawler/internal/config"
	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/discovery"
	collyfetcher "github.com/JakeFAU/scheme-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/scheme-crawler/internal/id/uuid"
	"github.com/JakeFAU/scheme-crawler/internal/jobs"
	"github.com/JakeFAU/scheme-crawler/internal/normalize"
	"github.com/JakeFAU/scheme-crawler/internal/orchestrator"
	pubsubpublisher "github.com/JakeFAU/scheme-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/scheme-crawler/internal/scheduler"
	gcsblob "github.com/JakeFAU/scheme-crawler/internal/storage/gcs"
	"github.com/JakeFAU/scheme-crawler/internal/storage/local"
	"github.com/JakeFAU/scheme-crawler/internal/storage/memory"
	"github.com/JakeFAU/scheme-crawler/internal/storage/postgres"
	"github.com/JakeFAU/scheme-crawler/internal/telemetry"
)

type closer interface {
	Close() error
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// App holds the shared, long-lived services: stores, the job controller,
// the HTTP server and the optional scheduler.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	pool       *pgxpool.Pool
	jobStore   crawler.JobStore
	controller *jobs.Controller
	server     *api.Server
	scheduler  *scheduler.Scheduler
	closers    []closer
}

// New builds every service from cfg. It fails fast when a configured backend
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing application services",
		zap.String("db_backend", cfg.DB.Backend),
		zap.String("discovery_mode", cfg.Discovery.Mode),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}))

	schemes, err := a.buildStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	archive, err := a.buildArchive(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		Timeout:     cfg.HTTP.Timeout(),
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase(),
		BackoffMax:  cfg.HTTP.BackoffMax(),
		Proxies:     cfg.HTTP.Proxies,
	}, collyfetcher.WithLogger(logger))

	runner, err := orchestrator.New(orchestrator.Config{
		APIBaseURL:    cfg.Source.APIBaseURL,
		APIKey:        cfg.Source.APIKey,
		Origin:        cfg.Source.Origin,
		Referer:       cfg.Source.Referer,
		Locale:        cfg.Crawler.Locale,
		Delay:         cfg.Crawler.Delay(),
		FallbackSeeds: cfg.Crawler.Seeds,
		ArchivePrefix: cfg.Archive.Prefix,
	}, orchestrator.Deps{
		Discoverer: buildDiscoverer(cfg, logger),
		Fetcher:    fetcher,
		Normalizer: normalize.New(normalize.Config{
			Locale:         cfg.Crawler.Locale,
			FallbackLocale: cfg.Crawler.FallbackLocale,
		}),
		Schemes: schemes,
		Archive: archive,
		Logger:  logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	a.controller, err = jobs.NewController(jobs.Config{
		Store:     a.jobStore,
		Runner:    runner,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Publisher: publisher,
		Topic:     cfg.PubSub.TopicName,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init job controller: %w", err)
	}

	if cfg.Crawler.RecoverStale {
		if _, err := a.controller.RecoverStale(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	var pinger api.Pinger
	if a.pool != nil {
		pinger = a.pool
	}
	a.server = api.NewServer(a.controller, pinger, api.Config{
		DefaultBatchSize:     cfg.Crawler.BatchSize,
		ControlRatePerMinute: cfg.Server.ControlRatePerMinute,
		AdminAPIKey:          cfg.Server.AdminAPIKey,
	}, logger)

	if cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(a.controller, scheduler.Config{
			Spec:      cfg.Scheduler.Cron,
			BatchSize: cfg.Crawler.BatchSize,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init scheduler: %w", err)
		}
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildStores(ctx context.Context) (crawler.SchemeStore, error) {
	switch a.cfg.DB.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory stores; jobs and records are lost on exit")
		a.jobStore = memory.NewJobStore()
		return memory.NewSchemeStore(), nil
	case config.BackendPostgres:
		pool, err := postgres.Open(ctx, postgres.PoolConfig{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, closerFunc(func() error {
			pool.Close()
			return nil
		}))
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		jobStore, err := postgres.NewJobStore(pool)
		if err != nil {
			return nil, err
		}
		a.jobStore = jobStore
		return postgres.NewSchemeStore(pool)
	default:
		return nil, fmt.Errorf("unknown db backend %q", a.cfg.DB.Backend)
	}
}

func (a *App) buildArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client)
		store, err := gcsblob.New(client, gcsblob.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return nil, nil
	}
	pub, err := pubsubpublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, pub)
	return pub, nil
}

// buildDiscoverer chains the configured mode ahead of the cheaper sources.
// The orchestrator still falls back to the seed list if all of them come up
// empty.
func buildDiscoverer(cfg config.Config, logger *zap.Logger) crawler.Discoverer {
	agent := collyfetcher.DefaultUserAgents[0]
	sitemap := discovery.NewSitemap(discovery.SitemapConfig{
		URL:        cfg.Source.SitemapURL,
		Collection: cfg.Source.Collection,
		Timeout:    cfg.HTTP.Timeout(),
		UserAgent:  agent,
	}, logger)

	switch cfg.Discovery.Mode {
	case config.DiscoveryStatic:
		return discovery.NewStatic(cfg.Crawler.Seeds...)
	case config.DiscoverySitemap:
		return discovery.NewChain(logger, sitemap)
	default:
		browser := discovery.NewBrowser(discovery.BrowserConfig{
			ListingURL:   cfg.Source.ListingURL,
			Collection:   cfg.Source.Collection,
			MaxScrolls:   cfg.Discovery.MaxScrolls,
			Settle:       cfg.Discovery.Settle(),
			WaitSelector: cfg.Discovery.WaitSelector(),
			NavTimeout:   cfg.Discovery.NavTimeout(),
			UserAgent:    agent,
		}, logger)
		if cfg.Source.SitemapURL == "" {
			return discovery.NewChain(logger, browser)
		}
		return discovery.NewChain(logger, browser, sitemap)
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Controller exposes the job controller for one-shot commands.
func (a *App) Controller() *jobs.Controller { return a.controller }

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// RunOnce starts a single job and blocks until it finishes. Canceling ctx
// stops the job at its next checkpoint and waits for the terminal write.
func (a *App) RunOnce(ctx context.Context, batchSize int) (crawler.Job, error) {
	job, err := a.controller.Start(ctx, batchSize)
	if err != nil {
		return crawler.Job{}, err
	}
	logger := a.logger.With(zap.String("job_id", job.ID))
	logger.Info("crawl job started", zap.Int("batch_size", batchSize))

	if err := a.controller.Wait(ctx, job.ID); err != nil {
		logger.Warn("interrupted, stopping crawl job")
		timeout := a.cfg.Server.ShutdownTimeout()
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := a.controller.Shutdown(waitCtx); err != nil {
			return crawler.Job{}, fmt.Errorf("wait for stopped job: %w", err)
		}
	}
	return a.controller.Job(context.WithoutCancel(ctx), job.ID)
}

// Serve listens on the configured port until ctx ends, then shuts down.
func (a *App) Serve(ctx context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener serves the admin API on ln. When ctx ends it stops the
// scheduler, stops any running job and drains HTTP connections within
// the configured shutdown timeout.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := a.cfg.Server.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	a.logger.Info("shutting down")
	var errs []error
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop(shutdownCtx))
	}
	errs = append(errs, a.controller.Shutdown(shutdownCtx))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases every backend in reverse order of construction.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
