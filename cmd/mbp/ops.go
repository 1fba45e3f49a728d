package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360/mbp/health"
)

// newOpsRouter serves liveness, readiness and Prometheus metrics.
func newOpsRouter(monitor *health.Monitor, metrics http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": health.StatusHealthy}, logger)
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		status := monitor.Run(req.Context(), appName)
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status, logger)
	})

	r.Method(http.MethodGet, "/metrics", metrics)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Writing response failed", "error", err)
	}
}
