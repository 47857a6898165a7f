// Package api exposes the task service over HTTP: batch creation for
// planners, sub-task creation, and the pull API remote workers use to claim
// and complete tasks.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/metrics"
	"github.com/aristath/taskloop/internal/orchestrator"
)

// Options configures a Server.
type Options struct {
	Metrics     *metrics.Metrics // serves /metrics when set
	CORSOrigins []string         // allowed browser origins; empty disables CORS
}

// Server is the taskloop HTTP API server.
type Server struct {
	svc  *orchestrator.Service
	opts Options
}

// NewServer creates a new API server.
func NewServer(svc *orchestrator.Service, opts Options) *Server {
	return &Server{svc: svc, opts: opts}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/batches", s.handleSubmitBatch)
		r.Post("/batches/validate", s.handleValidateBatch)
		r.Post("/claim", s.handleClaim)

		r.Get("/tasks", s.handleListTasks)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Get("/feedback", s.handleFeedback)
			r.Get("/events", s.handleEvents)
			r.Post("/subtasks", s.handleCreateSubtask)
			r.Post("/complete", s.handleComplete)
			r.Post("/fail", s.handleFail)
			r.Post("/cancel", s.handleCancel)
			r.Post("/resubmit", s.handleResubmit)
		})
	})

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	if len(s.opts.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.G(ctx).WithField("addr", addr).Info("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
