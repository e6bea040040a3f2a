package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Check probes one dependency for the health endpoint.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check and version endpoints.
type HealthHandler struct {
	version string
	checks  map[string]Check
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be nil.
func NewHealthHandler(version string, checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{version: version, checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck responds with the service status and the result of each
// dependency probe. Any failing probe turns the response into a 503.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"version":   h.version,
		"checks":    deps,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Version reports the engine version.
// GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}
