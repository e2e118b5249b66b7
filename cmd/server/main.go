package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nextconvert/compositor/internal/api"
	"github.com/nextconvert/compositor/internal/api/websocket"
	"github.com/nextconvert/compositor/internal/modules/engine"
	"github.com/nextconvert/compositor/internal/modules/exports"
	"github.com/nextconvert/compositor/internal/modules/media"
	"github.com/nextconvert/compositor/internal/shared/config"
	"github.com/nextconvert/compositor/internal/shared/database"
	"github.com/nextconvert/compositor/internal/shared/logging"
	"github.com/nextconvert/compositor/internal/shared/metrics"
	"github.com/nextconvert/compositor/internal/shared/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
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

	logger.Info("Starting timeline export API server",
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

	// Initialize export queue client
	queue := exports.NewQueueClient(asynq.RedisClientOpt{Addr: cfg.RedisURL}, cfg.ExportTimeout, logger)
	defer queue.Close()

	// Previews probe the first clip when dimensions are unset
	var prober media.Prober
	if probePath, err := engine.ResolveProbe(cfg.Engine.CorePath); err != nil {
		logger.Warn("ffprobe not found, previews use default dimensions", zap.Error(err))
	} else {
		prober = media.NewFFprobe(probePath, cfg.Engine.ProbeTimeout, logger)
	}

	exportsModule := exports.NewModule(exports.ModuleConfig{
		Store:     store,
		Queue:     queue,
		Publisher: exports.NewRedisPublisher(redisClient.Client),
		Output:    storageService,
		Prober:    prober,
		Defaults: exports.Defaults{
			FPS:        cfg.ExportDefaultFPS,
			SampleRate: cfg.AudioSampleRate,
			MaxClips:   cfg.MaxClipsPerExport,
		},
		Logger:  logger,
		Metrics: m,
	})

	// Initialize WebSocket hub fed by worker events
	wsHub := websocket.NewHub(cfg.AllowedOrigins, logger, m)
	go wsHub.Run(ctx)
	go func() {
		err := exports.Forward(ctx, redisClient.Client, wsHub.BroadcastExportEvent, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Export event forwarding stopped", zap.Error(err))
		}
	}()

	// Create API server
	server := api.NewServer(api.ServerConfig{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		DB:      db,
		Redis:   redisClient,
		WSHub:   wsHub,
		Exports: exportsModule,
	})

	// Downloads stream whole renders, so writes are not bounded
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
