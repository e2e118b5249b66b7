package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nextconvert/compositor/internal/modules/engine"
	"github.com/nextconvert/compositor/internal/modules/exports"
	"github.com/nextconvert/compositor/internal/modules/media"
	"github.com/nextconvert/compositor/internal/modules/timeline"
	"github.com/nextconvert/compositor/internal/shared/config"
	"github.com/nextconvert/compositor/internal/shared/database"
	"github.com/nextconvert/compositor/internal/shared/logging"
	"github.com/nextconvert/compositor/internal/shared/metrics"
	"github.com/nextconvert/compositor/internal/shared/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	// engineRetryInterval paces reload attempts after a failed engine load
	engineRetryInterval = 30 * time.Second
	queueDepthInterval  = 15 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting timeline export worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize database
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	store := exports.NewPostgresStore(db.Pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate export schema", zap.Error(err))
	}

	// Initialize Redis
	redisClient, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Initialize storage
	storageService, err := storage.NewService(cfg.Storage, m)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// One engine session serves every export this worker runs
	session := engine.NewSession(engine.SessionConfig{
		Defaults: engine.Options{
			LogLevel:     cfg.Engine.LogLevel,
			CorePath:     cfg.Engine.CorePath,
			UseWorker:    cfg.Engine.UseWorker,
			WorkspaceDir: cfg.Engine.WorkspaceDir,
		},
		LoadTimeout: cfg.Engine.LoadTimeout,
		OnStateChange: func(from, to engine.State) {
			m.SetEngineState(string(to))
			reportEngineState(redisClient.Client, to, logger)
		},
		Logger: logger,
	})
	defer session.Close()

	go keepEngineLoaded(ctx, session, redisClient.Client, logger)

	var prober media.Prober
	if probePath, err := engine.ResolveProbe(cfg.Engine.CorePath); err != nil {
		logger.Warn("ffprobe not found, exports use default dimensions", zap.Error(err))
	} else {
		prober = media.NewFFprobe(probePath, cfg.Engine.ProbeTimeout, logger)
	}

	fetcher := media.NewFetcher(media.FetcherConfig{
		Timeout:         cfg.Fetch.Timeout,
		Concurrency:     cfg.Fetch.Concurrency,
		MaxBytes:        cfg.Fetch.MaxBytes,
		BreakerFailures: uint32(cfg.Fetch.BreakerFailures),
		BreakerTimeout:  cfg.Fetch.BreakerTimeout,
		Logger:          logger,
		Metrics:         m,
	})

	composer := timeline.NewComposer(session, fetcher, prober, logger, m)

	handler := exports.NewHandler(exports.HandlerConfig{
		Store:     store,
		Renderer:  composer,
		Output:    storageService,
		Cleaner:   storageService,
		Publisher: exports.NewRedisPublisher(redisClient.Client),
		Defaults: exports.Defaults{
			FPS:        cfg.ExportDefaultFPS,
			SampleRate: cfg.AudioSampleRate,
			MaxClips:   cfg.MaxClipsPerExport,
		},
		Timeout: cfg.ExportTimeout,
		Logger:  logger,
		Metrics: m,
	})

	if cfg.WorkerConcurrency != 1 {
		logger.Warn("Worker concurrency forced to 1, one engine session runs one export at a time",
			zap.Int("configured", cfg.WorkerConcurrency),
		)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisURL}

	// Configure Asynq server
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 1,
			Queues:      exports.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	// Register task handlers
	mux := asynq.NewServeMux()
	handler.Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if err := exports.Schedule(scheduler); err != nil {
		logger.Fatal("Failed to register scheduled tasks", zap.Error(err))
	}

	// Start worker
	if err := srv.Start(mux); err != nil {
		logger.Fatal("Worker failed to start", zap.Error(err))
	}
	logger.Info("Worker started", zap.Int("concurrency", 1))

	if err := scheduler.Start(); err != nil {
		logger.Fatal("Scheduler failed to start", zap.Error(err))
	}

	go watchQueueDepth(ctx, asynq.NewInspector(redisOpt), m, logger)

	// Worker metrics
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down worker...")
	scheduler.Shutdown()
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("Worker stopped")
}

// keepEngineLoaded loads the session, retries failed loads and refreshes
// the reported engine state before its TTL runs out
func keepEngineLoaded(ctx context.Context, session *engine.Session, client redis.UniversalClient, logger *zap.Logger) {
	load := func() {
		if session.IsReady() {
			return
		}
		if err := session.Load(ctx, engine.LoadOptions{}); err != nil {
			logger.Error("Engine load failed", zap.Error(err))
		}
	}
	load()

	refresh := time.NewTicker(exports.EngineStateTTL / 2)
	defer refresh.Stop()
	retry := time.NewTicker(engineRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			reportEngineState(client, session.State(), logger)
		case <-retry.C:
			if session.State() == engine.StateFailed || session.State() == engine.StateUnloaded {
				load()
			}
		}
	}
}

func reportEngineState(client redis.UniversalClient, state engine.State, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := exports.ReportEngineState(ctx, client, string(state)); err != nil {
		logger.Warn("Failed to report engine state", zap.Error(err), zap.String("state", string(state)))
	}
}

// watchQueueDepth publishes pending task counts until ctx is done
func watchQueueDepth(ctx context.Context, inspector *asynq.Inspector, m *metrics.Metrics, logger *zap.Logger) {
	defer inspector.Close()

	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for queue := range exports.Queues {
				info, err := inspector.GetQueueInfo(queue)
				if err != nil {
					// A queue that never held a task does not exist yet
					logger.Debug("Queue inspection failed", zap.String("queue", queue), zap.Error(err))
					continue
				}
				m.SetExportQueueDepth(queue, info.Pending)
			}
		}
	}
}
