// Package server exposes the local HTTP surface: the OAuth redirect endpoint,
// health probes and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/huohua/socialcall/internal/observability/middleware"
)

// Route paths served by Server.
const (
	CallbackPath  = "/oauth/callback"
	LivenessPath  = "/livez"
	ReadinessPath = "/readyz"
	MetricsPath   = "/metrics"
)

const maxRequestBytes = 1 << 20

// Options holds the handlers mounted by the server. Nil handlers are not mounted.
type Options struct {
	Callback  http.Handler
	Metrics   http.Handler
	Readiness ReadinessChecker
	Logger    *slog.Logger
}

// Server serves the local HTTP endpoints.
type Server struct {
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New builds the routing table and middleware chain.
func New(opts Options) (*Server, error) {
	if opts.Readiness == nil {
		return nil, errors.New("readiness checker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+LivenessPath, livenessHandler())
	mux.Handle("GET "+ReadinessPath, readinessHandler(opts.Readiness))
	if opts.Callback != nil {
		mux.Handle("GET "+CallbackPath, opts.Callback)
	}
	if opts.Metrics != nil {
		mux.Handle("GET "+MetricsPath, opts.Metrics)
	}

	handler := applyMiddlewares(mux,
		middleware.RequestIDGeneration,
		middleware.TraceContextExtraction,
		middleware.Logging(logger),
		middleware.RequestIDPropagation,
		Recovery,
		RequestSizeLimit(maxRequestBytes),
	)

	return &Server{handler: handler}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds addr and serves in the background. The returned channel
// receives the terminal serve error, or is closed after a clean shutdown.
func (s *Server) Start(ctx context.Context, addr string) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil, errors.New("server already started")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.InfoContext(ctx, "server listening", "addr", listener.Addr().String())
	return errCh, nil
}

// Addr returns the bound address, or an empty string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server. Safe to call when not started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
