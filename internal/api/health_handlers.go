// Package api provides HTTP API handlers for the payments API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/firesidehq/fireside-payments/internal/middleware"
)

// HealthChecker is implemented by dependencies the readiness endpoint inspects.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

const readinessTimeout = 5 * time.Second

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	dbChecker    HealthChecker
	redisChecker HealthChecker
}

type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
}

func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		dbChecker:    config.DBChecker,
		redisChecker: config.RedisChecker,
	}
}

// HealthResponse is the body of both health endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. Liveness asks only whether the process can
// serve a response, so no dependency is consulted.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeHealthResponse(w, http.StatusOK, "healthy", map[string]string{"runtime": "ok"})
}

// Ready handles GET /ready. The service is ready when the payments
// database and, if configured, Redis answer within the timeout. Either
// store may be absent in single-process deployments; an unconfigured
// dependency counts as ready because the in-memory fallback serves it.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	dependencies := []struct {
		name    string
		checker HealthChecker
	}{
		{"database", h.dbChecker},
		{"redis", h.redisChecker},
	}

	checks := make(map[string]string, len(dependencies))
	ready := true
	for _, dep := range dependencies {
		if dep.checker == nil {
			checks[dep.name] = "ok"
			continue
		}
		if err := dep.checker.HealthCheck(ctx); err != nil {
			checks[dep.name] = "error"
			ready = false
			slog.WarnContext(ctx, "readiness check failed", "dependency", dep.name, "error", err)
			continue
		}
		checks[dep.name] = "ok"
	}

	if !ready {
		writeHealthResponse(w, http.StatusServiceUnavailable, "unhealthy", checks)
		return
	}
	writeHealthResponse(w, http.StatusOK, "healthy", checks)
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
	WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	return false
}

func writeHealthResponse(w http.ResponseWriter, statusCode int, status string, checks map[string]string) {
	response := HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
