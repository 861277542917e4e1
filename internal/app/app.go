package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huohua/socialcall/internal/apicaller"
	"github.com/huohua/socialcall/internal/authorizer"
	"github.com/huohua/socialcall/internal/observability"
	"github.com/huohua/socialcall/internal/server"
	"github.com/huohua/socialcall/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Task runs on top of the started services. Returning ends the application.
type Task func(ctx context.Context) error

// App orchestrates the lifecycle of the caller, the local server and related services.
type App struct {
	cfg *Config

	health     *Health
	metrics    *observability.Metrics
	authorizer *authorizer.Authorizer
	transport  *transport.REST
	relay      *apicaller.Relay
	caller     *apicaller.Caller[*authorizer.Flow]
	server     *server.Server
}

// New wires all components from cfg and restores any persisted token.
func New(ctx context.Context, cfg *Config) (*App, error) {
	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	auth := authorizer.New(cfg.Auth.OAuth2Config(), store)
	if err := auth.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	rest, err := transport.NewREST(transport.Options{
		BaseURL:          cfg.API.BaseURL,
		UserAgent:        cfg.API.UserAgent,
		Timeout:          cfg.API.Timeout,
		MaxResponseBytes: cfg.API.MaxResponseBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	metrics := observability.NewMetrics()
	relay := apicaller.NewRelay()

	caller, err := apicaller.NewCaller[*authorizer.Flow](auth, rest, relay, apicaller.WithRecorder(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create caller: %w", err)
	}

	health := NewHealth()
	srv, err := server.New(server.Options{
		Callback:  auth.CallbackHandler(),
		Metrics:   metrics.Handler(),
		Readiness: health,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &App{
		cfg:        cfg,
		health:     health,
		metrics:    metrics,
		authorizer: auth,
		transport:  rest,
		relay:      relay,
		caller:     caller,
		server:     srv,
	}, nil
}

// Caller returns the API caller.
func (a *App) Caller() *apicaller.Caller[*authorizer.Flow] { return a.caller }

// Authorizer returns the OAuth2 authorizer.
func (a *App) Authorizer() *authorizer.Authorizer { return a.authorizer }

// Health returns the readiness state served on /readyz.
func (a *App) Health() *Health { return a.health }

// Server returns the local HTTP server.
func (a *App) Server() *server.Server { return a.server }

// Start starts all services, runs task if non-nil, and blocks until task
// returns, ctx is canceled or a service fails.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context, task Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	// Shutdown runs in reverse registration order: the server stops taking
	// callbacks, in-flight requests settle, then queued notifications are
	// delivered. Deferred calls that settle after the relay closes (a call
	// context canceled at the very end) are dropped and only logged.
	var shutdownFuncs []func(context.Context) error

	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		a.relay.Close()
		if n := a.relay.Drain(); n > 0 {
			slog.Debug("delivered pending notifications at shutdown", "count", n)
		}
		return nil
	})
	shutdownFuncs = append(shutdownFuncs, a.transport.Shutdown)

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting server", "addr", a.cfg.Server.Addr)
	serverErrCh, err := a.server.Start(gCtx, a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		if err := a.relay.Run(gCtx); err != nil && gCtx.Err() == nil {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	})

	if task != nil {
		g.Go(func() error {
			defer cancel()
			return task(gCtx)
		})
	}

	a.health.SetReady(true)

	runtimeErr := g.Wait()
	a.health.SetReady(false)

	slog.InfoContext(ctx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
