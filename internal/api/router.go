package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the chi router with all API routes.
func NewRouter(s *Server) http.Handler {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))
	r.Use(Metrics())

	r.Route("/api", func(r chi.Router) {
		// Webhook phase endpoints
		r.Post("/migrate/bootstrap", s.Bootstrap)
		r.Post("/migrate/move-item", s.MoveItem)
		r.Post("/migrate/update-collaborations", s.UpdateCollaborations)
		r.Post("/migrate/cleanup", s.Cleanup)
		r.Post("/folders/subfolders", s.ListSubfolders)

		// Async runs
		r.Post("/jobs/migrate", s.StartMigrationRun)
		r.Post("/jobs/deprovision", s.StartDeprovisionRun)
		r.Get("/runs", s.ListRuns)
		r.Get("/runs/{id}", s.GetRun)
		r.Post("/runs/{id}/cancel", s.CancelRun)
	})

	// WebSocket (outside /api to avoid JSON content-type assumptions)
	r.Get("/ws/runs/{id}/logs", s.StreamRunLogs)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
