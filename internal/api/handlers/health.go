// Package handlers provides HTTP request handlers for the scanfleet API.
// This file implements the service index and health endpoints.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/anstrom/scanfleet/internal/controller"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker reports controller readiness.
type HealthChecker interface {
	Health(ctx context.Context) controller.Health
}

// HealthHandler serves / and /health for the controller.
type HealthHandler struct {
	checker   HealthChecker
	service   string
	version   string
	logger    *slog.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker HealthChecker, service, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checker:   checker,
		service:   service,
		version:   version,
		logger:    logger.With("handler", "health"),
		startTime: time.Now(),
	}
}

// IndexResponse describes the service.
type IndexResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Endpoints map[string]string `json:"endpoints"`
}

// Index handles GET /.
func (h *HealthHandler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, IndexResponse{
		Service: h.service,
		Version: h.version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		Endpoints: map[string]string{
			"health":       "/health",
			"metrics":      "/metrics",
			"tools":        "/api/tools",
			"scan":         "/api/scan",
			"scan_jobs":    "/api/scan_jobs",
			"scan_results": "/api/scan_results",
		},
	})
}

// Health handles GET /health. A failed store ping answers 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	health := h.checker.Health(ctx)
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, health)
}
