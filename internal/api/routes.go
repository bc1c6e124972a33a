package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"genjobs/internal/health"
	"genjobs/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    JobService
	Fonts         FontLister
	Stats         StatsSource
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Fonts, cfg.Stats, cfg.HealthChecker)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", handler.CreateJob)
			r.Get("/", handler.ListJobs)
			r.Get("/{jobId}", handler.GetJob)
			r.Post("/{jobId}/stop", handler.StopJob)
			r.Delete("/{jobId}", handler.DeleteJob)
		})
		r.Post("/admin/reset", handler.Reset)
		r.Get("/fonts", handler.ListFonts)
		r.Get("/stats", handler.Stats)
	})

	return r
}
