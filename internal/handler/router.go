package handler

import (
	"log/slog"
	"net/http"

	"ingest-queue/internal/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the job API, admin, metrics and health routes.
func NewRouter(cfg config.HTTP, jobs *JobHandler, trigger Trigger, metricsHandler http.Handler, checks Checks, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.CORSOrigin))

	r.Get("/healthz", Liveness)
	r.Get("/readyz", Readiness(checks, log))
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	r.Get("/metrics/summary", jobs.GetMetrics)

	r.Group(func(r chi.Router) {
		r.Use(Opportunistic(trigger, log))

		r.Post("/jobs", jobs.CreateJob)
		r.Get("/jobs/{referenceID}/status", jobs.GetStatus)

		r.With(RequireBearer(cfg.AdminToken)).Post("/admin/run-pending", jobs.RunPending)
	})

	return r
}
