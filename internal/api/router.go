// Package api serves job status for external observers polling ingestion
// progress.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// Check is a named readiness probe.
type Check func(ctx context.Context) error

// Config configures the router.
type Config struct {
	RequestTimeout time.Duration
	ServiceName    string
	Checks         map[string]Check
}

// NewRouter creates the status router.
func NewRouter(cfg Config, jobs storage.JobStore, reports storage.ReportStore, logger *observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ingestion-engine"
	}

	h := &handler{cfg: cfg, jobs: jobs, reports: reports, logger: logger.WithOperation("status_api")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Get("/{jobId}", h.getJob)
	})
	r.Get("/reports/{reportId}", h.getReport)

	return r
}
