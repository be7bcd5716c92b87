// Package server wires configuration into a running orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/client"
	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/crawl-orchestrator/internal/notify"
	notifysinks "github.com/JakeFAU/crawl-orchestrator/internal/notify/sinks"
	"github.com/JakeFAU/crawl-orchestrator/internal/pipeline"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/retry"
	kafkapublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/archive"
	gcsstorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
	redisstore "github.com/JakeFAU/crawl-orchestrator/internal/storage/redis"
	sqlitestore "github.com/JakeFAU/crawl-orchestrator/internal/storage/sqlite"
	"github.com/JakeFAU/crawl-orchestrator/internal/task"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
	"github.com/JakeFAU/crawl-orchestrator/internal/transport/httpapi"
)

// Version is stamped into telemetry resources.
var Version = "dev"

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    *Engine
	tasks     *task.Manager
	scheduler *scheduler.Scheduler
	hub       *notify.Hub
	apiServer *api.Server
	// closers run in reverse registration order on shutdown.
	closers        []closer
	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// Engine is the crawl stack shared by tasks and monitors.
type Engine struct {
	Client   *client.Client
	Pipeline *pipeline.Pipeline
}

// NewEngine builds transport, limiter, retry policy, client and pipeline from cfg.
func NewEngine(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport, err := httpapi.New(cfg.TransportConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport init failed: %w", err)
	}
	limiter, err := ratelimit.New(cfg.RateLimitConfig())
	if err != nil {
		return nil, fmt.Errorf("rate limiter init failed: %w", err)
	}
	policy, err := retry.NewPolicy(cfg.RetryConfig())
	if err != nil {
		return nil, fmt.Errorf("retry policy init failed: %w", err)
	}
	apiClient, err := client.New(transport, limiter, policy, cfg.ClientConfig(), logger.Named("client"))
	if err != nil {
		return nil, fmt.Errorf("client init failed: %w", err)
	}
	pipe, err := pipeline.New(apiClient, cfg.PipelineConfig(), uuid.New("res_"), system.New(), logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	logger.Info("crawl engine initialized",
		zap.String("base_url", cfg.API.BaseURL),
		zap.Int("requests_per_window", cfg.API.RequestsPerWindow),
		zap.Duration("window", cfg.API.Window),
		zap.Int("max_attempts", cfg.API.MaxAttempts),
	)
	return &Engine{Client: apiClient, Pipeline: pipe}, nil
}

type stores struct {
	tasks    crawler.TaskStore
	monitors crawler.MonitorStore
	results  crawler.ResultStore
	pingers  map[string]api.Pinger
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("task_backend", cfg.Storage.Tasks),
		zap.String("publisher", cfg.Notify.Publisher),
	)

	tp, mp, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	// Partial construction must still release what was opened.
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	st, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	if st.results, err = app.setupArchive(ctx, st.results); err != nil {
		return nil, err
	}
	if app.hub, err = app.setupNotify(ctx); err != nil {
		return nil, err
	}
	if app.engine, err = NewEngine(cfg, logger); err != nil {
		return nil, err
	}

	var notifier crawler.Notifier = crawler.NopNotifier{}
	if app.hub != nil {
		notifier = app.hub
	}
	clock := system.New()
	app.tasks, err = task.NewManager(st.tasks, st.results, app.engine.Pipeline, notifier,
		uuid.New("task_"), clock, cfg.TaskManagerConfig(), logger.Named("tasks"))
	if err != nil {
		return nil, fmt.Errorf("task manager init failed: %w", err)
	}
	app.scheduler, err = scheduler.New(st.monitors, st.results, app.engine.Pipeline, notifier, app.engine.Client,
		uuid.New("mon_"), clock, cfg.SchedulerConfig(), logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.tasks, app.scheduler, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.WriteTimeout,
		Pingers:        st.pingers,
	}, logger.Named("api"))
	ok = true
	return app, nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	st := stores{pingers: map[string]api.Pinger{}}
	cfg := a.cfg.Storage

	var sqlite *sqlitestore.Store
	openSQLite := func() (*sqlitestore.Store, error) {
		if sqlite != nil {
			return sqlite, nil
		}
		s, err := sqlitestore.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.addCloser("sqlite", func(context.Context) error { return s.Close() })
		st.pingers["sqlite"] = s
		a.logger.Info("sqlite store initialized", zap.String("path", cfg.SQLite.Path))
		sqlite = s
		return s, nil
	}

	switch cfg.Backend {
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			ResultsTable:    cfg.Postgres.ResultsTable,
			MonitorsTable:   cfg.Postgres.MonitorsTable,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return st, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error { pg.Close(); return nil })
		if err := pg.EnsureSchema(ctx); err != nil {
			return st, fmt.Errorf("postgres schema init failed: %w", err)
		}
		st.monitors, st.results = pg, pg
		st.pingers["postgres"] = pg
		a.logger.Info("postgres store initialized",
			zap.String("results_table", cfg.Postgres.ResultsTable),
			zap.String("monitors_table", cfg.Postgres.MonitorsTable),
		)
	case "sqlite":
		s, err := openSQLite()
		if err != nil {
			return st, err
		}
		st.monitors, st.results = s, s
	default:
		a.logger.Info("using in-memory monitor and result stores")
		st.monitors, st.results = memorystorage.NewMonitorStore(), memorystorage.NewResultStore()
	}

	switch cfg.Tasks {
	case "redis":
		rs, err := redisstore.NewTaskStore(redisstore.Config{
			Addr:        a.cfg.Redis.Addr,
			Password:    a.cfg.Redis.Password,
			DB:          a.cfg.Redis.DB,
			Prefix:      a.cfg.Redis.Prefix,
			TerminalTTL: a.cfg.Tasks.Retention,
		})
		if err != nil {
			return st, fmt.Errorf("redis task store init failed: %w", err)
		}
		a.addCloser("redis", func(context.Context) error { return rs.Close() })
		if err := rs.Ping(ctx); err != nil {
			return st, err
		}
		st.tasks = rs
		st.pingers["redis"] = rs
		a.logger.Info("redis task store initialized", zap.String("addr", a.cfg.Redis.Addr))
	case "sqlite":
		s, err := openSQLite()
		if err != nil {
			return st, err
		}
		st.tasks = s
	default:
		a.logger.Info("using in-memory task store")
		st.tasks = memorystorage.NewTaskStore()
	}
	return st, nil
}

func (a *App) setupArchive(ctx context.Context, results crawler.ResultStore) (crawler.ResultStore, error) {
	cfg := a.cfg.Storage.Archive
	var blobs crawler.BlobStore
	switch cfg.Backend {
	case "gcs":
		gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.GCSBucket}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return gcs.Close() })
		blobs = gcs
	case "local":
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		blobs = local
	default:
		return results, nil
	}
	archived, err := archive.New(results, blobs, sha256.New(sha256.WithLength(cfg.DigestLength)), archive.Config{Prefix: cfg.Prefix}, a.logger.Named("archive"))
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	a.logger.Info("result archive enabled", zap.String("backend", cfg.Backend), zap.String("prefix", cfg.Prefix))
	return archived, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg
	switch cfg.Notify.Publisher {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.addCloser("pubsub", func(context.Context) error { return client.Close() })
		pub, err := gcppublisher.New(client, cfg.Notify.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.Notify.Topic),
		)
		return pub, nil
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Notify.Topic})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Notify.Topic),
		)
		return pub, nil
	case "memory":
		a.logger.Warn("using in-memory publisher; notifications are not delivered externally")
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupNotify(ctx context.Context) (*notify.Hub, error) {
	cfg := a.cfg.Notify
	var routes []notify.Route
	if cfg.Log {
		routes = append(routes, notify.Route{
			Name:   "log",
			Sink:   notifysinks.NewLogSink(a.logger.Named("notify_log")),
			Events: cfg.LogEvents,
		})
		a.logger.Debug("added notification log sink", zap.Strings("events", cfg.LogEvents))
	}
	if cfg.Prometheus {
		promSink, err := notifysinks.NewPrometheusSink(nil)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		routes = append(routes, notify.All("prometheus", promSink))
		a.logger.Debug("added notification prometheus sink")
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		pubSink, err := notifysinks.NewPublisherSink(pub, cfg.Topic, a.logger.Named("notify_publisher"))
		if err != nil {
			return nil, fmt.Errorf("publisher sink init failed: %w", err)
		}
		routes = append(routes, notify.Route{Name: "publisher", Sink: pubSink, Events: cfg.PublishEvents})
	}
	if len(routes) == 0 {
		a.logger.Info("no notification sinks configured; notifications are dropped")
		return nil, nil
	}
	hubCfg := notify.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("notify_hub"),
	}
	hub := notify.NewHub(hubCfg, routes...)
	a.logger.Info("notification hub initialized",
		zap.Int("sinks", len(routes)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

// Handler exposes the API handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the scheduler, the task sweeper and the HTTP server, and blocks
// until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start failed: %w", err)
	}
	go a.tasks.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		// The API applies its own per-request timeout below this.
		WriteTimeout: a.cfg.Server.WriteTimeout + 5*time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close stops the engine components, flushes notifications and releases
// infrastructure in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tasks != nil {
		if err := a.tasks.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notification hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
	// Sync on stderr-backed loggers returns EINVAL on some platforms.
	_ = a.logger.Sync()
}
