// Package httpserver runs the operator-facing health and metrics HTTP
// server. It is not a business API: the CLI core's operations (warming,
// enrichment) are driven from the command line, not over HTTP. This
// server exists so the process can be probed by an orchestrator and
// scraped by Prometheus while a long-running warm or enrich invocation
// is in flight.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aucontraire/chronovista-core/internal/api/handler"
	"github.com/aucontraire/chronovista-core/internal/api/middleware"
)

// Config carries the HTTP server's listen address and timeouts.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server wraps an http.Server exposing /healthz and /metrics.
type Server struct {
	srv    *http.Server
	cfg    Config
	logger *slog.Logger
}

// New builds a Server with its routes wired but not yet listening.
func New(cfg Config, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the server and blocks until ctx is cancelled, at which
// point it shuts down gracefully within cfg.ShutdownTimeout. A listen
// error surfaces immediately rather than waiting for cancellation.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting health/metrics server", slog.Int("port", s.cfg.Port))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("httpserver: listen: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	s.logger.Info("health/metrics server stopped")
	return nil
}
