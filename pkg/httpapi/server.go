// Package httpapi exposes the orchestrator over HTTP: JSON endpoints for the
// spawn and fix lifecycles, an SSE activity stream, a WebSocket terminal
// stream, and callback endpoints for CI and the error tracker.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"fixloop/pkg/orchestrator"
)

// Config configures the HTTP server.
type Config struct {
	// Addr to listen on; default ":8080".
	Addr string
	// AuthToken, when set, is required as a bearer token on /api/callbacks/*.
	AuthToken string
	// AllowedOrigins for WebSocket upgrades; empty allows same-origin only.
	AllowedOrigins []string
	// ShutdownTimeout for graceful shutdown; default 10s.
	ShutdownTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Addr == "" {
		out.Addr = ":8080"
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Server serves the fixloop API.
type Server struct {
	svc    *orchestrator.Service
	cfg    Config
	logger *slog.Logger
}

// New creates a Server over svc.
func New(svc *orchestrator.Service, cfg Config) *Server {
	c := cfg.withDefaults()
	return &Server{svc: svc, cfg: c, logger: c.Logger}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/issues/{id}/spawn", s.handleSpawn)
	mux.HandleFunc("DELETE /api/issues/{id}/spawn", s.handleCancelSpawn)
	mux.HandleFunc("GET /api/issues/{id}/fix-status", s.handleFixStatus)
	mux.HandleFunc("PUT /api/issues/{id}/status", s.handleChangeStatus)
	mux.HandleFunc("GET /api/issues/{id}/activity", s.handleActivityStream)
	mux.HandleFunc("GET /api/terminal/{identifier}", s.handleTerminal)
	mux.HandleFunc("GET /api/budget", s.handleBudget)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
	})

	callbacks := http.NewServeMux()
	callbacks.HandleFunc("POST /api/callbacks/run", s.handleRunCallback)
	callbacks.HandleFunc("POST /api/callbacks/activity", s.handleActivityCallback)
	callbacks.HandleFunc("POST /api/callbacks/terminal", s.handleTerminalCallback)
	callbacks.HandleFunc("POST /api/callbacks/terminal/{identifier}", s.handleTerminalRawCallback)
	callbacks.HandleFunc("POST /api/callbacks/pr", s.handlePRCallback)
	callbacks.HandleFunc("POST /api/callbacks/merge", s.handleMergeCallback)
	callbacks.HandleFunc("POST /api/callbacks/deploy", s.handleDeployCallback)
	callbacks.HandleFunc("POST /api/callbacks/errors", s.handleErrorsCallback)
	mux.Handle("/api/callbacks/", authMiddleware(s.cfg.AuthToken, callbacks))

	return recoverMiddleware(s.logger, logMiddleware(s.logger, mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
