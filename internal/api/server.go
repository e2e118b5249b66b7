package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nextconvert/compositor/internal/api/handlers"
	"github.com/nextconvert/compositor/internal/api/middleware"
	"github.com/nextconvert/compositor/internal/api/websocket"
	"github.com/nextconvert/compositor/internal/modules/exports"
	"github.com/nextconvert/compositor/internal/shared/config"
	"github.com/nextconvert/compositor/internal/shared/database"
	"github.com/nextconvert/compositor/internal/shared/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig holds dependencies for the API server
type ServerConfig struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	DB      *database.Postgres
	Redis   *database.Redis
	WSHub   *websocket.Hub
	Exports handlers.ExportService

	// MetricsHandler serves /metrics, promhttp.Handler() when nil
	MetricsHandler http.Handler
}

// Server represents the API server
type Server struct {
	config         *config.Config
	logger         *zap.Logger
	metrics        *metrics.Metrics
	db             *database.Postgres
	redis          *database.Redis
	wsHub          *websocket.Hub
	exports        handlers.ExportService
	metricsHandler http.Handler
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	return &Server{
		config:         cfg.Config,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		db:             cfg.DB,
		redis:          cfg.Redis,
		wsHub:          cfg.WSHub,
		exports:        cfg.Exports,
		metricsHandler: cfg.MetricsHandler,
	}
}

// Router returns the configured HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.MetricsMiddleware(s.metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "Range"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Length", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	rateLimiter := middleware.NewRateLimiter(s.redis.Client, s.logger)

	healthHandler := handlers.NewHealthHandler(s.db, s.redis, func(ctx context.Context) (string, error) {
		return exports.EngineState(ctx, s.redis.Client)
	})
	exportHandler := handlers.NewExportHandler(s.exports, s.logger)
	wsHandler := handlers.NewWebSocketHandler(s.wsHub)

	r.Handle("/metrics", s.metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)

		r.Get("/ws", wsHandler.HandleConnection)

		r.Route("/exports", func(r chi.Router) {
			r.Use(rateLimiter.Limit(middleware.GlobalRateLimit))

			r.With(rateLimiter.Limit(middleware.ExportCreationRateLimit)).
				Post("/", exportHandler.CreateExport)
			r.With(rateLimiter.Limit(middleware.PreviewRateLimit)).
				Post("/preview", exportHandler.PreviewExport)
			r.With(middleware.NoCache).Get("/{id}", exportHandler.GetExport)
			r.Get("/{id}/download", exportHandler.DownloadExport)
			r.Post("/{id}/cancel", exportHandler.CancelExport)
		})
	})

	return r
}
