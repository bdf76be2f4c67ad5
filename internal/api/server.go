// Package api is the operator HTTP surface: batch queue inspection and
// submission, supervisor control, the notification stream and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/supervisor"
)

// BatchQueue is the queue view the API needs.
type BatchQueue interface {
	Enqueue(ctx context.Context, preparedDir string) (batchqueue.Handle, error)
	List(ctx context.Context, area string) ([]batchqueue.Handle, error)
	ReadyCount(ctx context.Context) (int, error)
}

// Notifications is the buffered notification feed.
type Notifications interface {
	SnapshotSince(afterSeq int64) []notify.Message
	Subscribe() (<-chan notify.Message, func())
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token; it authenticates as the operator.
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	queue      BatchQueue
	supervisor supervisor.Controller
	feed       Notifications
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. metrics may be nil to omit /metrics.
func New(config Config, queue BatchQueue, ctrl supervisor.Controller, feed Notifications, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		queue:      queue,
		supervisor: ctrl,
		feed:       feed,
		metrics:    metrics,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the event stream is long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed API without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.requireOperator)
		r.Get("/batches", s.handleListBatches)
		r.Post("/batches", s.handleEnqueueBatch)
		r.Get("/supervisor", s.handleSupervisorStatus)
		r.Post("/supervisor/pause", s.handlePause)
		r.Post("/supervisor/resume", s.handleResume)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
