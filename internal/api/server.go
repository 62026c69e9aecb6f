// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/carepath/report-pipeline/internal/monitoring"
	"github.com/carepath/report-pipeline/internal/pipeline"
	"github.com/carepath/report-pipeline/internal/store"
)

// callbackMaxSkew bounds how old a signed transport callback may be.
const callbackMaxSkew = 5 * time.Minute

// Server holds the collaborators the handlers call.
type Server struct {
	Pipeline  *pipeline.Orchestrator
	Store     store.Store
	Collector *monitoring.Collector

	// CallbackSecret verifies transport callbacks. Empty disables
	// verification.
	CallbackSecret string

	// Signal, when set, is told about review and consent changes so a
	// halted workflow can resume.
	Signal func(ctx context.Context, jobID, note string) error

	now func() time.Time
}

// Router builds the HTTP handler.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(tracing)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/status", s.status)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/audit", s.jobAudit)
			r.Post("/advance", s.advance)
			r.Post("/run", s.run)
			r.Post("/retry", s.retry)
			r.Post("/stages/{stage}", s.runStage)
			r.Post("/review", s.decideReview)
			r.Post("/consent", s.setConsent)
		})
	})

	r.Get("/reviews", s.listReviews)
	r.Post("/notifications/{id}/status", s.notificationStatus)

	return r
}
