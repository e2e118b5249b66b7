package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/nextconvert/compositor/internal/modules/engine"
)

// Checker reports the health of one dependency
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// EngineStateFunc returns the engine state last reported by a worker
type EngineStateFunc func(ctx context.Context) (string, error)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db          Checker
	redis       Checker
	engineState EngineStateFunc
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db, redis Checker, engineState EngineStateFunc) *HealthHandler {
	return &HealthHandler{
		db:          db,
		redis:       redis,
		engineState: engineState,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// Health returns a basic health check
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready returns a readiness check including dependencies and the worker engine
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]string)
	allHealthy := true

	check := func(name string, c Checker) {
		if err := c.HealthCheck(ctx); err != nil {
			services[name] = "unhealthy: " + err.Error()
			allHealthy = false
			return
		}
		services[name] = "healthy"
	}
	check("postgres", h.db)
	check("redis", h.redis)

	state, err := h.engineState(ctx)
	switch {
	case err != nil:
		services["engine"] = "unhealthy: " + err.Error()
		allHealthy = false
	case state == "":
		services["engine"] = "unhealthy: no worker reported"
		allHealthy = false
	case state != string(engine.StateReady):
		services["engine"] = "unhealthy: " + state
		allHealthy = false
	default:
		services["engine"] = "healthy"
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	WriteJSON(w, statusCode, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	})
}
