// Package server builds the search service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/api"
	"github.com/JakeFAU/selfsearch/internal/bm25"
	memcache "github.com/JakeFAU/selfsearch/internal/cache/memory"
	pgcache "github.com/JakeFAU/selfsearch/internal/cache/postgres"
	"github.com/JakeFAU/selfsearch/internal/clock/system"
	"github.com/JakeFAU/selfsearch/internal/config"
	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/dedup"
	"github.com/JakeFAU/selfsearch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/selfsearch/internal/fetcher/colly"
	"github.com/JakeFAU/selfsearch/internal/hash/sha256"
	"github.com/JakeFAU/selfsearch/internal/id/uuid"
	"github.com/JakeFAU/selfsearch/internal/indexer"
	"github.com/JakeFAU/selfsearch/internal/logging"
	"github.com/JakeFAU/selfsearch/internal/metrics"
	"github.com/JakeFAU/selfsearch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/selfsearch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/selfsearch/internal/publisher/pubsub"
	"github.com/JakeFAU/selfsearch/internal/queue"
	memqueue "github.com/JakeFAU/selfsearch/internal/queue/memory"
	pgqueue "github.com/JakeFAU/selfsearch/internal/queue/postgres"
	"github.com/JakeFAU/selfsearch/internal/resolver"
	"github.com/JakeFAU/selfsearch/internal/scheduler"
	"github.com/JakeFAU/selfsearch/internal/search"
	"github.com/JakeFAU/selfsearch/internal/telemetry"
	gcsstorage "github.com/JakeFAU/selfsearch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/selfsearch/internal/storage/local"
	memstore "github.com/JakeFAU/selfsearch/internal/storage/memory"
	pgstore "github.com/JakeFAU/selfsearch/internal/storage/postgres"
	"github.com/JakeFAU/selfsearch/internal/tokenize"
	"github.com/JakeFAU/selfsearch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// frontier is the queue surface the App owns: the crawl frontier plus Close.
type frontier interface {
	crawler.Frontier
	Close()
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	frontier  frontier
	pool      *pgxpool.Pool
	publisher *gcppublisher.Publisher
	blobs     *gcsstorage.BlobStore
	tracing   telemetry.ShutdownFunc
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.tracing, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ProjectID:      cfg.Tracing.ProjectID,
		SampleRatio:    cfg.Tracing.SampleRatio,
		ServiceName:    logging.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""))

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	clock := system.New()
	tok := tokenize.Default()
	hasher := sha256.New()

	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	store, err := a.setupDocumentStore(clock)
	if err != nil {
		return err
	}
	if err := a.setupFrontier(clock); err != nil {
		return err
	}
	cache, purger, err := a.setupCache(clock)
	if err != nil {
		return err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	ix := indexer.New(store, tok, indexer.Options{
		Cache:     cache,
		Publisher: publisher,
		Topic:     a.cfg.PubSub.TopicName,
		IDs:       uuid.New(),
		Clock:     clock,
		Logger:    a.logger,
	})
	scorer := crawler.NewScorer()

	a.dispatch = dispatcher.New(a.frontier, a.setupWorkers(store, ix, scorer, hasher, blobStore), a.logger)

	orch := search.New(search.Deps{
		Store:     store,
		Cache:     cache,
		Frontier:  a.dispatch,
		Tokenizer: tok,
		Ranker:    bm25.New(store, tok),
		Scorer:    scorer,
	}, search.Config{
		Limit:         a.cfg.Search.Limit,
		RecheckWait:   a.cfg.Search.RecheckWait,
		SeedTemplates: a.cfg.Search.SeedTemplates,
		CacheTTL:      a.cfg.Cache.TTL,
	}, a.logger)

	if a.cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(scheduler.Deps{
			Store:    store,
			Frontier: a.dispatch,
			Scorer:   scorer,
			Purger:   purger,
		}, scheduler.Config{
			Interval:    a.cfg.Scheduler.Interval,
			BatchSize:   a.cfg.Scheduler.BatchSize,
			MaxChildren: a.cfg.Crawler.MaxChildren,
		}, a.logger)
	}

	a.apiServer = api.NewServer(api.Deps{
		Store:    store,
		Frontier: a.dispatch,
		Searcher: orch,
		Hasher:   hasher,
		Indexer:  ix,
		Ready:    a.ready,
	}, api.Options{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, documents are kept in memory")
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.Database.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("database migrate failed: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	return nil
}

func (a *App) setupDocumentStore(clock crawler.Clock) (crawler.DocumentStore, error) {
	if a.pool == nil {
		return memstore.NewDocumentStore(a.cfg.Crawler.MaxLinksStored, clock), nil
	}
	store, err := pgstore.NewDocumentStoreWithPool(a.pool, a.cfg.Crawler.MaxLinksStored)
	if err != nil {
		return nil, fmt.Errorf("document store init failed: %w", err)
	}
	a.logger.Info("using postgres document store")
	return store, nil
}

func (a *App) setupFrontier(clock crawler.Clock) error {
	retry := queue.RetryPolicy{
		MaxAttempts: a.cfg.Frontier.MaxAttempts,
		BackoffBase: a.cfg.Frontier.BackoffBase,
	}
	if a.cfg.Frontier.Backend != config.BackendPostgres {
		a.frontier = memqueue.NewQueue(memqueue.Options{
			Capacity: a.cfg.Frontier.Capacity,
			Retry:    retry,
			Clock:    clock,
			Logger:   a.logger,
		})
		return nil
	}
	q, err := pgqueue.NewQueue(a.pool, pgqueue.Options{
		Retry:        retry,
		Lease:        a.cfg.Frontier.Lease,
		PollInterval: a.cfg.Frontier.PollInterval,
		Clock:        clock,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("frontier init failed: %w", err)
	}
	a.frontier = q
	a.logger.Info("using postgres frontier", zap.Duration("lease", a.cfg.Frontier.Lease))
	return nil
}

// setupCache returns the search cache and, for Postgres, the purger the
// scheduler uses to drop expired rows.
func (a *App) setupCache(clock crawler.Clock) (crawler.SearchCache, scheduler.Purger, error) {
	if a.cfg.Cache.Backend != config.BackendPostgres {
		return memcache.New(clock), nil, nil
	}
	cache, err := pgcache.New(a.pool, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("search cache init failed: %w", err)
	}
	a.logger.Info("using postgres search cache", zap.Duration("ttl", a.cfg.Cache.TTL))
	return cache, cache, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{
			BaseDir: a.cfg.Storage.BaseDir,
			Prefix:  a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages on disk", zap.String("base_dir", a.cfg.Storage.BaseDir))
		return blobs, nil
	case config.BackendMemory:
		a.logger.Info("archiving pages in memory")
		return memstore.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

func (a *App) setupWorkers(
	store crawler.DocumentStore,
	ix *indexer.Indexer,
	scorer crawler.PriorityScorer,
	hasher crawler.Hasher,
	blobStore crawler.BlobStore,
) []*worker.Worker {
	crawlCfg := a.cfg.Crawler
	deps := worker.Deps{
		Frontier: a.frontier,
		Store:    store,
		Indexer:  ix,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent: crawlCfg.UserAgent,
			Timeout:   crawlCfg.FetchTimeout,
		}),
		Robots:   crawler.NewRobotsEnforcer(!crawlCfg.IgnoreRobots, crawlCfg.UserAgent, crawlCfg.RobotsTimeout, a.logger),
		Resolver: resolver.New(nil, crawlCfg.FetchTimeout, a.logger),
		Dedup:    dedup.New(a.cfg.Dedup.ExpectedItems, a.cfg.Dedup.FalsePositiveRate),
		Scorer:   scorer,
		Hasher:   hasher,
		Retry:    crawler.NewRetryPolicy(crawlCfg.FetchRetries, crawlCfg.FetchBackoff, crawlCfg.FetchTimeout),
		Limiter: ratelimit.New(ratelimit.Config{
			MaxJobs:    a.cfg.RateLimit.MaxJobs,
			Window:     a.cfg.RateLimit.Window,
			PerHostRPS: crawlCfg.PerHostRPS,
		}),
		Hosts:     crawler.NewHostPolicy(crawlCfg.BlockedHosts, crawlCfg.ForbiddenThreshold),
		BlobStore: blobStore,
	}
	workerCfg := worker.Config{
		MaxDepth:        crawlCfg.MaxDepth,
		MaxChildren:     crawlCfg.MaxChildren,
		MaxContentBytes: crawlCfg.MaxContentBytes,
		PolitenessDelay: crawlCfg.PolitenessDelay,
		JobTimeout:      crawlCfg.JobTimeout,
		ContentType:     a.cfg.Storage.ContentType,
	}
	a.logger.Info("worker config",
		zap.Int("concurrency", crawlCfg.Concurrency),
		zap.Int("max_depth", workerCfg.MaxDepth),
		zap.Int("max_children", workerCfg.MaxChildren),
		zap.Duration("politeness_delay", workerCfg.PolitenessDelay),
		zap.Duration("job_timeout", workerCfg.JobTimeout))

	workers := make([]*worker.Worker, 0, crawlCfg.Concurrency)
	for i := range crawlCfg.Concurrency {
		workers = append(workers, worker.New(i, deps, workerCfg, a.logger))
	}
	return workers
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, the scheduler, and the HTTP server, and blocks
// until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Concurrency))
		a.dispatch.Run(ctx)
	}()

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			stop()
			<-dispatchDone
			a.Close()
			return fmt.Errorf("scheduler start failed: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close stops background work and releases external resources. Run calls
// it on shutdown.
func (a *App) Close() {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tracing(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure() {
	if a.frontier != nil {
		a.frontier.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
