package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler reports reachability of the repair backends.
type HealthHandler struct {
	*Handler
	sandboxImage string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(base *Handler, sandboxImage string) *HealthHandler {
	return &HealthHandler{Handler: base, sandboxImage: sandboxImage}
}

// Health returns the health status of the API and its dependencies.
// Degraded dependencies yield 503 so load balancers stop routing here,
// but each check is reported individually for the dashboard.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	healthy := true

	if err := h.runner.Ping(ctx); err != nil {
		slog.Warn("Health check: sandbox backend unreachable", "error", err)
		checks["sandbox"] = "offline"
		checks["sandbox_image"] = "unknown"
		healthy = false
	} else {
		checks["sandbox"] = "online"
		ready, err := h.runner.ImageReady(ctx)
		switch {
		case err != nil:
			slog.Warn("Health check: image inspection failed", "error", err)
			checks["sandbox_image"] = "unknown"
			healthy = false
		case !ready:
			checks["sandbox_image"] = "not_found"
			healthy = false
		default:
			checks["sandbox_image"] = "ready"
		}
	}

	if err := h.patcher.Ping(ctx); err != nil {
		slog.Warn("Health check: patch service unreachable", "error", err)
		checks["llm"] = "offline"
		healthy = false
	} else {
		checks["llm"] = "online"
	}

	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check: database unreachable", "error", err)
		checks["database"] = "unreachable"
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, map[string]any{
		"status":        status,
		"sandbox_image": h.sandboxImage,
		"checks":        checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
