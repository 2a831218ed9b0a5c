// Package app assembles the application: configuration, logging, telemetry,
// the broker, the pipeline engine with its stages and control points, the
// inbox watcher, the websocket hub and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"datapulse/internal/broker"
	"datapulse/internal/config"
	"datapulse/internal/controlpoint"
	"datapulse/internal/infrastructure"
	"datapulse/internal/ingest"
	"datapulse/internal/pipeline"
	"datapulse/internal/quality"
	"datapulse/internal/services"
	"datapulse/internal/stages"
	"datapulse/internal/staging"
	transporthttp "datapulse/internal/transport/http"
	"datapulse/internal/websocket"
)

// QualityGatePointID is the control point registered after the quality stage
const QualityGatePointID = "quality-gate"

// App is the assembled application
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	broker    *broker.Broker
	store     *staging.Store
	manager   *pipeline.Manager
	queue     *pipeline.JobQueue
	gate      *controlpoint.Manager
	hub       *websocket.Hub
	adapter   *websocket.Adapter
	watcher   *ingest.Watcher
	service   *services.PipelineService
	providers *infrastructure.OTelProviders
	server    *http.Server
}

// New builds the application from configuration
func New(cfg *config.Config) (*App, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := cfg.GetPaths().EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	b := broker.New(cfg.Broker.SubscriberBuffer, logger)

	store, err := staging.NewStore(cfg.Paths.StagingDir, logger)
	if err != nil {
		return nil, err
	}

	runner := quality.NewRunner(quality.Config{
		SampleSize:    cfg.Quality.SampleSize,
		PassThreshold: cfg.Quality.PassThreshold,
		WarnThreshold: cfg.Quality.WarnThreshold,
		MaxNullRate:   cfg.Quality.MaxNullRate,
	}, logger)

	registry := pipeline.NewRegistry()
	for _, stage := range []pipeline.Stage{
		stages.NewStagingStage(store, logger),
		stages.NewQualityStage(runner, store, b, logger),
		stages.NewInsightsStage(store, logger),
		stages.NewRecommendationsStage(store, logger),
		stages.NewReportingStage(store, cfg.Paths.ExportsDir, logger),
	} {
		if err := registry.Register(stage); err != nil {
			return nil, err
		}
	}

	broadcaster := pipeline.NewStatusBroadcaster(b, logger)

	manager := pipeline.NewManager(registry, pipeline.Config{
		StageTimeout:    cfg.Pipeline.StageTimeout,
		RetryAttempts:   cfg.Pipeline.RetryAttempts,
		RetryBaseDelay:  cfg.Pipeline.RetryBaseDelay,
		RetryMaxDelay:   cfg.Pipeline.RetryMaxDelay,
		ContinueOnError: cfg.Pipeline.ContinueOnError,
	}, b, broadcaster, logger)
	manager.SetManifestDir(store.Root())

	gate := controlpoint.NewManager(b,
		cfg.ControlPoint.DecisionTimeout,
		controlpoint.Action(cfg.ControlPoint.DefaultAction),
		logger)
	autoApproveMin := cfg.ControlPoint.AutoApproveMin
	if err := gate.Register(controlpoint.Point{
		ID:            QualityGatePointID,
		AfterStage:    pipeline.StageIDQuality,
		DefaultAction: controlpoint.Action(cfg.ControlPoint.DefaultAction),
		AutoApprove: func(runContext map[string]any) bool {
			score, ok := runContext[pipeline.ContextKeyQualityScore].(float64)
			return ok && score >= autoApproveMin
		},
	}); err != nil {
		return nil, err
	}
	manager.SetControlGate(gate)

	queue := pipeline.NewJobQueue(manager, pipeline.NewMemoryJobStore(), cfg.Pipeline.Workers, 64, logger)
	manager.SetStartHandler(func(req pipeline.RunRequest) {
		if _, err := queue.Submit(req); err != nil {
			logger.Warn("control_start_failed", slog.String("error", err.Error()))
		}
	})
	if err := manager.AttachControl(b); err != nil {
		return nil, err
	}

	hub := websocket.NewHub(websocket.Options{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		PingPeriod:      cfg.WebSocket.PingPeriod,
		PongWait:        cfg.WebSocket.PongWait,
		AllowedOrigins:  cfg.Security.AllowedOrigins,
	}, logger)
	adapter, err := websocket.NewAdapter(b, hub)
	if err != nil {
		return nil, err
	}

	service := services.NewPipelineService(manager, queue, broadcaster, gate, store, logger)
	health := services.NewHealthService(store.Root(), b)

	var watcher *ingest.Watcher
	if cfg.Ingest.Enabled {
		watcher, err = ingest.NewWatcher(cfg.Paths.InboxDir, cfg.Ingest.SettleDelay, func(path string) {
			if _, err := service.StartRun(context.Background(), pipeline.RunRequest{Source: path}); err != nil {
				logger.Warn("inbox_submit_failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	opts := transporthttp.Options{Metrics: providers.PrometheusHTTP}
	if cfg.Security.RateLimit.Enabled {
		opts.RateLimitRPS = cfg.Security.RateLimit.RPS
		opts.RateLimitBurst = cfg.Security.RateLimit.Burst
	}
	handler := transporthttp.NewHandler(service, health, hub, opts, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Router(opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		broker:    b,
		store:     store,
		manager:   manager,
		queue:     queue,
		gate:      gate,
		hub:       hub,
		adapter:   adapter,
		watcher:   watcher,
		service:   service,
		providers: providers,
		server:    server,
	}, nil
}

// Run starts all components and blocks until ctx is cancelled or the server
// fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.hub.Run(runCtx)
	a.queue.Start(runCtx)

	if a.watcher != nil {
		if err := a.watcher.Start(runCtx); err != nil {
			return err
		}
	}
	go a.pruneLoop(runCtx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server_started", slog.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return a.shutdown()
}

// pruneLoop deletes stale staging runs once at startup and then hourly
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if pruned, err := a.store.Prune(a.cfg.Staging.Retention); err != nil {
			a.logger.Warn("staging_prune_failed", slog.String("error", err.Error()))
		} else if len(pruned) > 0 {
			a.logger.Info("staging_pruned", slog.Int("runs", len(pruned)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) shutdown() error {
	a.logger.Info("shutdown_started")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)

	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.queue.Stop()
	a.adapter.Close()
	a.hub.Shutdown()
	a.broker.Close()

	if perr := a.providers.Shutdown(shutdownCtx); perr != nil && err == nil {
		err = perr
	}
	infrastructure.CloseLogFile()
	a.logger.Info("shutdown_complete")
	return err
}
