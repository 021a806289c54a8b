// Package server builds the pipeline service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-pipeline/internal/api"
	"github.com/JakeFAU/listing-pipeline/internal/backpressure"
	"github.com/JakeFAU/listing-pipeline/internal/browser"
	"github.com/JakeFAU/listing-pipeline/internal/clock/system"
	"github.com/JakeFAU/listing-pipeline/internal/collector"
	"github.com/JakeFAU/listing-pipeline/internal/config"
	memoryentity "github.com/JakeFAU/listing-pipeline/internal/entity/memory"
	pgentity "github.com/JakeFAU/listing-pipeline/internal/entity/postgres"
	"github.com/JakeFAU/listing-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/listing-pipeline/internal/health"
	"github.com/JakeFAU/listing-pipeline/internal/id/uuid"
	"github.com/JakeFAU/listing-pipeline/internal/logging"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
	"github.com/JakeFAU/listing-pipeline/internal/policy/blocklist"
	"github.com/JakeFAU/listing-pipeline/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/listing-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-pipeline/internal/queue"
	queueMemory "github.com/JakeFAU/listing-pipeline/internal/queue/memory"
	queuePostgres "github.com/JakeFAU/listing-pipeline/internal/queue/postgres"
	queueSQLite "github.com/JakeFAU/listing-pipeline/internal/queue/sqlite"
	"github.com/JakeFAU/listing-pipeline/internal/stage"
	gcsstorage "github.com/JakeFAU/listing-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-pipeline/internal/storage/local"
	memoryStorage "github.com/JakeFAU/listing-pipeline/internal/storage/memory"
	"github.com/JakeFAU/listing-pipeline/internal/telemetry"
	"github.com/JakeFAU/listing-pipeline/internal/transform"
)

// App contains the running pipeline and everything it must release on shutdown.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	client    *queue.Client
	monitor   *health.Monitor
	pool      *browser.Pool
	runner    *stage.Runner
	plans     []stage.Plan
	seeder    *stage.Seeder
	apiServer *api.Server
	publisher pipeline.Publisher
	blobStore pipeline.BlobStore
	processor pipeline.EntityProcessor
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

type options struct {
	logger   *zap.Logger
	launcher browser.Launcher
}

// Option customises Build.
type Option func(*options)

// WithLogger uses logger instead of building one from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLauncher replaces the chromedp launcher used by the browser pool.
func WithLauncher(l browser.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// Build creates the application's dependencies. Browsers are not launched
// until Run.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			app.closeAll()
		}
	}()
	app.logger.Info("building pipeline",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
		zap.String("database_backend", cfg.Database.Backend),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("telemetry init failed: %w", err)
		}
		app.closers = append(app.closers, closer{name: "tracer provider", fn: func() error {
			return tp.Shutdown(context.WithoutCancel(ctx))
		}})
	}

	store, err := setupQueueStore(ctx, app)
	if err != nil {
		return nil, err
	}
	app.client = queue.NewClient(store, logger.Named("queue"), queue.WithPollInterval(cfg.Queue.PollInterval))
	app.closers = append(app.closers, closer{name: "queue store", fn: app.client.Close})

	clock := system.New()
	app.monitor = health.NewMonitor(app.client, clock, cfg.Health.Retention, logger)
	manager, err := backpressure.New(app.monitor, cfg.Thresholds, cfg.ReferencedQueues()...)
	if err != nil {
		return nil, fmt.Errorf("backpressure init failed: %w", err)
	}

	if app.blobStore, err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if app.publisher, err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if app.processor, err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupBrowserPool(app, o.launcher); err != nil {
		return nil, err
	}
	if err = setupStages(app, manager, clock); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Health:     app.monitor,
		Seeder:     app.seeder,
		Queues:     reportedQueues(cfg.Queue.Keys),
		Thresholds: cfg.Thresholds,
		Ready: func(ctx context.Context) error {
			_, err := app.client.Length(ctx, cfg.Queue.Keys.Collection)
			return err
		},
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})
	built = true
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Seeder exposes the seeder used by the API.
func (a *App) Seeder() *stage.Seeder {
	return a.seeder
}

// Monitor exposes the queue health monitor.
func (a *App) Monitor() *health.Monitor {
	return a.monitor
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run launches the browser pool, starts every stage and the HTTP server, and
// blocks until ctx is canceled or a signal arrives. Resources are closed on return.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.closeAll()

	if err := a.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runner.RunAll(gctx, a.plans...)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	a.logger.Info("application started")
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// Close releases every resource opened by Build.
func (a *App) Close() {
	a.closeAll()
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func setupQueueStore(ctx context.Context, app *App) (queue.Store, error) {
	qc := app.cfg.Queue
	switch qc.Backend {
	case "postgres":
		store, err := queuePostgres.New(ctx, queuePostgres.Config{
			DSN:             qc.Postgres.DSN,
			Table:           qc.Postgres.Table,
			MaxConns:        qc.Postgres.MaxConns,
			MinConns:        qc.Postgres.MinConns,
			MaxConnLifetime: qc.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres queue init failed: %w", err)
		}
		app.logger.Info("using postgres queue store", zap.String("table", qc.Postgres.Table))
		return store, nil
	case "sqlite":
		store, err := queueSQLite.Open(ctx, qc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite queue init failed: %w", err)
		}
		app.logger.Info("using sqlite queue store", zap.String("path", qc.SQLite.Path))
		return store, nil
	default:
		app.logger.Info("using in-memory queue store")
		return queueMemory.NewStore(), nil
	}
}

func setupStorage(ctx context.Context, app *App) (pipeline.BlobStore, error) {
	sc := app.cfg.Storage
	switch sc.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: sc.GCSBucket}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.closers = append(app.closers, closer{name: "gcs client", fn: store.Close})
		app.logger.Info("using GCS storage backend", zap.String("bucket", sc.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: sc.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", sc.LocalDir))
		return store, nil
	case "memory":
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("raw payload archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (pipeline.Publisher, error) {
	pc := app.cfg.PubSub
	switch pc.Backend {
	case "pubsub":
		sender, err := gcppublisher.NewClientSender(ctx, pc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.closers = append(app.closers, closer{name: "pubsub client", fn: sender.Close})
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pc.ProjectID),
			zap.String("topic", pc.Topic),
		)
		return gcppublisher.New(sender, app.logger), nil
	case "memory":
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("completion publishing disabled")
		return nil, nil
	}
}

func setupDatabase(ctx context.Context, app *App) (pipeline.EntityProcessor, error) {
	dc := app.cfg.Database
	if dc.Backend != "postgres" {
		app.logger.Warn("using in-memory entity store, entities are lost on restart")
		return memoryentity.NewProcessor(), nil
	}
	processor, err := pgentity.New(ctx, pgentity.Config{
		DSN:             dc.Postgres.DSN,
		Table:           dc.Postgres.Table,
		MaxConns:        dc.Postgres.MaxConns,
		MinConns:        dc.Postgres.MinConns,
		MaxConnLifetime: dc.Postgres.MaxConnLifetime,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("entity store init failed: %w", err)
	}
	app.closers = append(app.closers, closer{name: "entity store", fn: func() error {
		processor.Close()
		return nil
	}})
	app.logger.Info("entity store initialized", zap.String("table", dc.Postgres.Table))
	return processor, nil
}

func setupBrowserPool(app *App, launcher browser.Launcher) error {
	poolCfg, err := app.cfg.BrowserPool()
	if err != nil {
		return fmt.Errorf("browser config: %w", err)
	}
	if launcher == nil {
		launcher = browser.NewChromedpLauncher(poolCfg)
	}
	app.pool, err = browser.NewPool(poolCfg, launcher, app.logger)
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	app.closers = append(app.closers, closer{name: "browser pool", fn: app.pool.Close})
	return nil
}

func setupCollectors(cfg config.CollectorConfig, navigationTimeout time.Duration) *pipeline.Registry[pipeline.Collector] {
	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	render := collector.NewBrowser(collector.BrowserConfig{
		WaitSelector:      cfg.WaitSelector,
		Settle:            cfg.Settle,
		NavigationTimeout: navigationTimeout,
		Headers:           headers,
	})
	probe := collector.NewHTTP(collector.HTTPConfig{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.HTTPTimeout,
		Headers:       headers,
	})
	kinds := map[string]pipeline.Collector{
		"browser": render,
		"http":    probe,
		"auto":    collector.NewAuto(probe, render, cfg.PromotionThreshold),
	}
	retry := collector.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	for kind, c := range kinds {
		kinds[kind] = collector.NewRetrying(c, retry)
	}
	registry := pipeline.NewRegistry[pipeline.Collector]()
	registry.SetFallback(kinds[cfg.Default])
	for sku, kind := range cfg.Skus {
		registry.Register(sku, kinds[kind])
	}
	return registry
}

func setupStages(app *App, manager *backpressure.Manager, clock pipeline.Clock) error {
	cfg := app.cfg
	keys := cfg.Queue.Keys
	open := func(key string) *stage.ContextQueue {
		if key == "" {
			return nil
		}
		return queue.Open(app.client, queue.NewConfig[*pipeline.Context](key))
	}
	collection := open(keys.Collection)
	dynamic := open(keys.Dynamic)
	transformation := open(keys.Transformation)
	processing := open(keys.Processing)

	var failures pipeline.FailureHandler = stage.NewLogFailures(app.logger)
	if keys.Failed != "" {
		failures = stage.NewDeadLetter(open(keys.Failed), failures, app.logger)
		app.logger.Info("failed contexts are parked", zap.String("queue", keys.Failed))
	}
	common := func(name, downstream string, settings stage.Settings) stage.Common {
		return stage.Common{
			Governor: stage.NewGovernor(name, downstream, manager, settings, app.logger),
			Recorder: app.monitor,
			Failures: failures,
			Clock:    clock,
			Logger:   app.logger,
		}
	}

	upstream := []*stage.ContextQueue{collection}
	if dynamic != nil {
		upstream = []*stage.ContextQueue{dynamic, collection}
	}
	var archive *stage.Archive
	if app.blobStore != nil {
		archive = &stage.Archive{Store: app.blobStore, Prefix: cfg.Storage.Prefix, ContentType: cfg.Storage.ContentType}
	}
	collect, err := stage.NewCollection(stage.CollectionDeps{
		Common:     common(stage.Collection, keys.Transformation, cfg.Stages.Collection),
		Upstream:   upstream,
		Downstream: transformation,
		Pool:       app.pool,
		Collectors: setupCollectors(cfg.Collector, cfg.Browser.NavigationTimeout),
		Limiter:    ratelimit.New(cfg.RateLimit),
		Archive:    archive,
		Hasher:     sha256.New(),
	})
	if err != nil {
		return fmt.Errorf("collection stage init failed: %w", err)
	}

	transformers := pipeline.NewRegistry[pipeline.Transformer]()
	transformers.SetFallback(transform.Chain{transform.NewJSONLD(), transform.NewReadability()})
	transformStage, err := stage.NewTransformation(stage.TransformationDeps{
		Common:       common(stage.Transformation, keys.Processing, cfg.Stages.Transformation),
		Upstream:     transformation,
		Downstream:   processing,
		Transformers: transformers,
	})
	if err != nil {
		return fmt.Errorf("transformation stage init failed: %w", err)
	}

	processors := pipeline.NewRegistry[pipeline.EntityProcessor]()
	processors.SetFallback(app.processor)
	processStage, err := stage.NewProcessing(stage.ProcessingDeps{
		Common:     common(stage.Processing, "", cfg.Stages.Processing),
		Upstream:   processing,
		Processors: processors,
		Publisher:  app.publisher,
		Topic:      cfg.PubSub.Topic,
	})
	if err != nil {
		return fmt.Errorf("processing stage init failed: %w", err)
	}

	app.seeder, err = stage.NewSeeder(collection, dynamic, uuid.New(), clock, app.monitor,
		stage.WithHostFilter(blocklist.New(cfg.Collector.Blocklist)))
	if err != nil {
		return fmt.Errorf("seeder init failed: %w", err)
	}
	app.runner = stage.NewRunner(app.logger)
	app.plans = []stage.Plan{
		{Loop: collect, Workers: cfg.Stages.Collection.Workers},
		{Loop: transformStage, Workers: cfg.Stages.Transformation.Workers},
		{Loop: processStage, Workers: cfg.Stages.Processing.Workers},
	}
	return nil
}

// reportedQueues lists the stage queues plus the dead-letter queue, if any.
func reportedQueues(keys config.QueueKeys) []string {
	out := keys.All()
	if keys.Failed != "" {
		out = append(out, keys.Failed)
	}
	return out
}
