// Package server builds the goalclip service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/agentpool"
	"github.com/JakeFAU/goalclip/internal/api"
	"github.com/JakeFAU/goalclip/internal/capture"
	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/config"
	"github.com/JakeFAU/goalclip/internal/events"
	pubsubsink "github.com/JakeFAU/goalclip/internal/events/pubsub"
	"github.com/JakeFAU/goalclip/internal/extract"
	"github.com/JakeFAU/goalclip/internal/id/uuid"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/logging"
	"github.com/JakeFAU/goalclip/internal/messenger"
	"github.com/JakeFAU/goalclip/internal/messenger/telegram"
	"github.com/JakeFAU/goalclip/internal/metrics"
	"github.com/JakeFAU/goalclip/internal/monitor"
	"github.com/JakeFAU/goalclip/internal/probe"
	"github.com/JakeFAU/goalclip/internal/quota"
	"github.com/JakeFAU/goalclip/internal/registry"
	"github.com/JakeFAU/goalclip/internal/registry/file"
	"github.com/JakeFAU/goalclip/internal/registry/postgres"
	"github.com/JakeFAU/goalclip/internal/render/headless"
	"github.com/JakeFAU/goalclip/internal/scheduler"
	"github.com/JakeFAU/goalclip/internal/statuscache"
	"github.com/JakeFAU/goalclip/internal/telemetry"
	gcsupload "github.com/JakeFAU/goalclip/internal/upload/gcs"
	localupload "github.com/JakeFAU/goalclip/internal/upload/local"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  live.Clock

	pool      *agentpool.Pool
	cache     *statuscache.Cache
	mirror    *statuscache.RedisMirror
	registry  *registry.Registry
	pgStore   *postgres.Store
	gate      *quota.Gate
	pipeline  *capture.Pipeline
	monitor   *monitor.Monitor
	hub       *events.Hub
	apiServer *api.Server

	pubsubClient   *pubsub.Client
	storage        *storage.Client
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: clock.New()}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("registry_backend", cfg.Registry.Backend),
		zap.String("upload_backend", cfg.Upload.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: "goalclip", ServiceVersion: version})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.setupRegistry(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	extractor := app.setupExtraction()
	app.setupCache(ctx, extractor)
	app.gate = quota.New(quota.Config{
		Cooldown:        cfg.Quota.Cooldown(),
		ThrottledMax:    time.Duration(cfg.Quota.ThrottledMaxSeconds) * time.Second,
		UnlimitedMax:    time.Duration(cfg.Quota.UnlimitedMaxSeconds) * time.Second,
		DefaultDuration: time.Duration(cfg.Quota.DefaultSeconds) * time.Second,
	}, app.registry, app.clock)

	msgr, err := app.setupMessenger()
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	uploader, err := app.setupUploader(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupEvents(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.setupPipeline(extractor, msgr, uploader)
	app.setupMonitor(msgr)
	app.setupAPI(uploader)
	return app, nil
}

func (a *App) setupRegistry(ctx context.Context) error {
	var store registry.Store
	switch a.cfg.Registry.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{DSN: a.cfg.Registry.DSN, Table: a.cfg.Registry.Table})
		if err != nil {
			return fmt.Errorf("postgres registry init failed: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("postgres registry migrate failed: %w", err)
		}
		a.pgStore = pg
		store = pg
		a.logger.Info("using postgres registry", zap.String("table", a.cfg.Registry.Table))
	default:
		fs, err := file.New(a.cfg.Registry.Path)
		if err != nil {
			return fmt.Errorf("file registry init failed: %w", err)
		}
		store = fs
		a.logger.Info("using file registry", zap.String("path", a.cfg.Registry.Path))
	}
	reg, err := registry.Open(ctx, store, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("registry open failed: %w", err)
	}
	a.registry = reg
	a.logger.Info("registry loaded", zap.Int("targets", len(reg.Targets())))
	return nil
}

func (a *App) setupExtraction() *extract.Extractor {
	engine := headless.New(headless.Config{
		Headless:   a.cfg.Render.Headless,
		ExecPath:   a.cfg.Render.ExecPath,
		UserAgent:  a.cfg.Site.UserAgent,
		NavTimeout: time.Duration(a.cfg.Render.NavTimeoutSeconds) * time.Second,
		Settle:     time.Duration(a.cfg.Render.SettleMs) * time.Millisecond,
		Screenshot: a.cfg.Render.Screenshot,
	}, a.logger)
	a.pool = agentpool.New(agentpool.Config{
		Ceiling:      a.cfg.Pool.Ceiling,
		AcquireWait:  a.cfg.Pool.AcquireWait(),
		PollInterval: a.cfg.Pool.AcquirePoll(),
		IdleTimeout:  a.cfg.Pool.IdleTimeout(),
	}, engine, a.clock, a.logger)

	prober := probe.New(probe.Config{
		StatusURL:    a.cfg.Site.StatusURL,
		LiveStatuses: a.cfg.Site.LiveStatuses,
		UserAgent:    a.cfg.Site.UserAgent,
		Timeout:      time.Duration(a.cfg.Site.ProbeTimeoutSeconds) * time.Second,
	}, a.logger)
	return extract.New(extract.Config{
		PageURL:     a.cfg.Site.PageURL,
		LoadTimeout: time.Duration(a.cfg.Render.NavTimeoutSeconds) * time.Second,
	}, a.pool, prober, a.logger)
}

func (a *App) setupCache(ctx context.Context, extractor *extract.Extractor) {
	opts := []statuscache.Option{statuscache.WithClock(a.clock)}
	if a.cfg.Redis.Addr != "" {
		a.mirror = statuscache.NewRedisMirror(ctx, &redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		}, a.logger)
		opts = append(opts, statuscache.WithMirror(a.mirror))
		a.logger.Info("status mirror enabled", zap.String("addr", a.cfg.Redis.Addr))
	}
	a.cache = statuscache.New(statuscache.Config{
		OnlineTTL:   a.cfg.Cache.OnlineTTL(),
		OfflineTTL:  a.cfg.Cache.OfflineTTL(),
		MaxEntryAge: a.cfg.Cache.MaxEntryAge(),
	}, extractor.Extract, a.logger, opts...)
}

func (a *App) setupMessenger() (live.Messenger, error) {
	if a.cfg.Telegram.Token == "" {
		a.logger.Warn("no telegram token configured, notifications are logged only")
		return messenger.NewLog(a.logger), nil
	}
	m, err := telegram.New(a.cfg.Telegram.Token, a.logger)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	a.logger.Info("telegram messenger initialized")
	return m, nil
}

// setupUploader returns nil when oversized artifacts are not hosted.
func (a *App) setupUploader(ctx context.Context) (live.Uploader, error) {
	switch a.cfg.Upload.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		u, err := gcsupload.New(client, gcsupload.Config{
			Bucket:        a.cfg.Upload.GCSBucket,
			Prefix:        a.cfg.Upload.Prefix,
			PublicBaseURL: a.cfg.Upload.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs uploader init failed: %w", err)
		}
		a.logger.Info("using GCS upload backend", zap.String("bucket", a.cfg.Upload.GCSBucket))
		return u, nil
	case "local":
		u, err := localupload.New(localupload.Config{
			BaseDir:       a.cfg.Upload.LocalDir,
			Prefix:        a.cfg.Upload.Prefix,
			PublicBaseURL: a.cfg.Upload.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("local uploader init failed: %w", err)
		}
		a.logger.Info("using local upload backend", zap.String("path", a.cfg.Upload.LocalDir))
		return u, nil
	default:
		a.logger.Info("no upload backend, oversized artifacts are undeliverable")
		return nil, nil
	}
}

func (a *App) setupEvents(ctx context.Context) error {
	sinks := []events.Sink{events.NewLogSink(a.logger)}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		sinks = append(sinks, pubsubsink.NewSink(pubsubsink.NewTopic(client.Topic(a.cfg.PubSub.TopicName))))
		a.logger.Info("pubsub event sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	a.hub = events.NewHub(events.Config{Logger: a.logger}, sinks...)
	return nil
}

func (a *App) setupPipeline(extractor *extract.Extractor, msgr live.Messenger, uploader live.Uploader) {
	c := a.cfg.Capture
	a.pipeline = capture.New(capture.Config{
		WorkDir:            c.WorkDir,
		ProbeTimeout:       time.Duration(c.ProbeSeconds) * time.Second,
		DeadlineFloor:      time.Duration(c.DeadlineFloorSeconds) * time.Second,
		DeadlineMultiplier: c.DeadlineMultiplier,
		Grace:              time.Duration(c.GraceSeconds) * time.Second,
		MaxPriors:          c.MaxPriors,
		Candidates: capture.CandidateConfig{
			URLTemplate: c.URLTemplate,
			Servers:     c.Servers,
			Qualities:   c.Qualities,
			Fallbacks:   c.Fallbacks,
		},
	}, capture.Deps{
		Live:       a.cache,
		Discoverer: extractor,
		Gate:       a.gate,
		Transcoder: capture.NewFFmpeg(c.FFmpegPath, a.logger),
		Deliverer:  capture.NewRouter(msgr, uploader, a.cfg.Delivery.DirectLimitBytes(), a.logger),
		IDs:        uuid.New(),
		Clock:      a.clock,
	}, a.logger)
}

func (a *App) setupMonitor(msgr live.Messenger) {
	m := a.cfg.Monitor
	a.monitor = monitor.New(monitor.Config{
		PollInterval:        m.PollInterval(),
		MinSpacing:          m.MinSpacing(),
		BatchSize:           m.BatchSize,
		BatchPause:          m.BatchPause(),
		FailureCeiling:      m.FailureCeiling,
		CompletionThreshold: m.CompletionThreshold,
		CaptureDuration:     time.Duration(m.CaptureSeconds) * time.Second,
		CaptureAttempts:     m.CaptureRetries,
		RetryPause:          m.RetryPause(),
	}, monitor.Deps{
		Status:    a.cache,
		Capturer:  a.pipeline,
		Registry:  a.registry,
		Messenger: msgr,
		Events:    a.hub,
		Clock:     a.clock,
	}, a.logger)
	for _, t := range a.registry.Targets() {
		a.monitor.Register(t)
	}
}

func (a *App) setupAPI(uploader live.Uploader) {
	cfg := api.Config{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
	}
	if local, ok := uploader.(*localupload.Uploader); ok {
		cfg.ClipsDir = local.Dir()
	}
	a.apiServer = api.NewServer(cfg, api.Deps{
		Registry: a.registry,
		Monitor:  a.monitor,
		Status:   a.cache,
		Capturer: a.pipeline,
		Gate:     a.gate,
		IDs:      uuid.New(),
		Events:   a.hub,
		Clock:    a.clock,
		Ready:    a.ready,
	}, a.logger)
}

func (a *App) ready(context.Context) error {
	if a.pool.Stats().Closed {
		return errors.New("render pool closed")
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Capture runs one capture outside the monitor loop.
func (a *App) Capture(ctx context.Context, req capture.Request) capture.Outcome {
	return a.pipeline.Capture(ctx, req)
}

// Run starts the monitor, maintenance tasks, and HTTP server, and blocks until
// ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started")

	tasks := []*scheduler.Handle{
		scheduler.Start(ctx, scheduler.Task{
			Name:     "pool-sweep",
			Interval: a.cfg.Pool.SweepInterval(),
			Run: func(context.Context) error {
				a.pool.Sweep()
				return nil
			},
		}, a.logger),
		scheduler.Start(ctx, scheduler.Task{
			Name:     "cache-sweep",
			Interval: a.cfg.Cache.SweepInterval(),
			Run: func(context.Context) error {
				a.cache.Sweep()
				return nil
			},
		}, a.logger),
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		a.monitor.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	for _, t := range tasks {
		t.Stop()
	}
	<-monitorDone
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("manual captures interrupted", zap.Error(err))
	}
	if err := a.monitor.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("completion captures interrupted", zap.Error(err))
	}
	a.Close(shutdownCtx)
	return nil
}

// Close releases every resource Build acquired. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("events hub close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Shutdown(); err != nil {
			a.logger.Warn("render pool shutdown failed", zap.Error(err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("redis mirror close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
