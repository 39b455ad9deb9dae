package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/metrics"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	Jobs        repositories.JobRepository
	Submissions repositories.SubmissionRepository
	Registry    *registry.Registry
	Publisher   Publisher
	Metrics     *metrics.Metrics // nil skips the /metrics mount
	Logger      *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
// All resources are registered under /api/v1; /healthz and /metrics sit at
// the root for probes and scrapers.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing. RealIP extracts the client IP when behind a reverse proxy.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	queueHandler := NewQueueHandler(cfg.Jobs, cfg.Submissions, cfg.Publisher, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Logger)
	workerHandler := NewWorkerHandler(cfg.Registry, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/queue/defense", queueHandler.QueueDefense)
		r.Post("/queue/attack", queueHandler.QueueAttack)

		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)

		r.Get("/workers", workerHandler.List)
	})

	return r
}
