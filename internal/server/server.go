package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nao1215/linkscan/internal/metrics"
)

// Default HTTP server timeouts.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for access logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by /healthz and JSON reports.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server is the HTTP API.
type Server struct {
	manager         *Manager
	logger          *slog.Logger
	version         string
	shutdownTimeout time.Duration
	router          *chi.Mux
}

// New creates a Server backed by manager.
func New(manager *Manager, opts ...Option) *Server {
	s := &Server{
		manager:         manager,
		logger:          slog.New(slog.DiscardHandler),
		version:         "dev",
		shutdownTimeout: DefaultShutdownTimeout,
		router:          chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(metricsMiddleware)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1/scans", func(r chi.Router) {
		r.Post("/", s.handleCreateScan)
		r.Get("/", s.handleListScans)
		r.Get("/{id}", s.handleGetScan)
		r.Get("/{id}/report", s.handleGetReport)
		r.Delete("/{id}", s.handleCancelScan)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down the
// listener and cancels running scans.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = s.manager.Shutdown(context.Background())
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop scans: %w", err)
	}
	return nil
}
