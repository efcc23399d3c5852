// Package server is the admin HTTP surface: job and resource operations,
// queue status, Prometheus metrics and a WebSocket stream of job updates.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/carousel"
	"github.com/teranos/fleet/pulse/metrics"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/sym"
)

const shutdownTimeout = 10 * time.Second

// Deps are the components the admin surface exposes. Pool, Carousel and
// Metrics are optional.
type Deps struct {
	Queue    *async.Queue
	Registry *resource.Registry
	Tracker  *progress.Tracker
	Carousel *carousel.Carousel
	Pool     *async.WorkerPool
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

// Server serves the admin API
type Server struct {
	queue    *async.Queue
	registry *resource.Registry
	tracker  *progress.Tracker
	carousel *carousel.Carousel
	pool     *async.WorkerPool
	metrics  *metrics.Metrics
	cfg      am.ServerConfig
	logger   *zap.SugaredLogger

	router chi.Router
	hub    *hub
}

// New builds the server and its routes
func New(deps Deps, cfg am.ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = am.DefaultServerAddr
	}
	logger := deps.Logger.Named("server")
	s := &Server{
		queue:    deps.Queue,
		registry: deps.Registry,
		tracker:  deps.Tracker,
		carousel: deps.Carousel,
		pool:     deps.Pool,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
		hub:      newHub(deps.Queue, logger),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Broadcast starts relaying queue updates to WebSocket clients until ctx ends
func (s *Server) Broadcast(ctx context.Context) {
	go s.hub.run(ctx)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.Broadcast(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow(sym.PulseOpen+" Admin server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "admin server on %s", s.cfg.Addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down admin server")
	}
	s.logger.Infow(sym.PulseClose + " Admin server stopped")
	return nil
}
