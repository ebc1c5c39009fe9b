// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"batchrunner/internal/controller/handlers"
	"batchrunner/internal/controller/middleware"
)

// Options configure the controller server.
type Options struct {
	// Secret enables bearer auth on the task routes when set.
	Secret string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit      float64
	RateLimitBurst int
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, store handlers.StoreFactory, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewHandler(store, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// NewHandler builds the routed handler.
func NewHandler(store handlers.StoreFactory, opts Options) http.Handler {
	h := handlers.New(store, opts.Logger)

	limiter := middleware.NewRateLimiter(opts.RateLimit, opts.RateLimitBurst)
	protect := func(next http.HandlerFunc) http.Handler {
		var wrapped http.Handler = limiter.Middleware()(next)
		if opts.Secret != "" {
			wrapped = middleware.RequireToken(opts.Secret)(wrapped)
		}
		return wrapped
	}

	mux := http.NewServeMux()

	mux.Handle("POST /tasks", protect(h.SubmitTask))
	mux.Handle("GET /tasks/{id}", protect(h.GetTask))
	mux.Handle("GET /tasks/{id}/logs", protect(h.GetTaskLogs))
	mux.Handle("POST /tasks/{id}/kill", protect(h.KillTask))

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return middleware.RequestID(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
