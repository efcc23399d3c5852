package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestBodySize bounds JSON request bodies
const maxRequestBodySize = 1 << 20

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/api/status", s.handleStatus)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleEnqueueJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDeleteJob)
			r.Get("/children", s.handleJobChildren)
			r.Get("/rollup", s.handleJobRollup)
			r.Post("/cancel", s.handleCancelJob)
			r.Post("/stop", s.handleStopJob)
			r.Post("/pause", s.handlePauseJob)
			r.Post("/resume", s.handleResumeJob)
			r.Post("/trigger", s.handleTriggerJob)
		})
	})

	r.Route("/api/resources", func(r chi.Router) {
		r.Get("/", s.handleListResources)
		r.Post("/", s.handleCreateResource)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetResource)
			r.Delete("/", s.handleDeleteResource)
			r.Post("/status", s.handleMarkResource)
			r.Post("/reinstate", s.handleReinstateResource)
		})
	})

	r.Get("/ws/jobs", s.handleJobsWebSocket)

	if reg := s.metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}

// requestLogger logs each request with its status and duration
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr)
	})
}
