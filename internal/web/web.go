// Package web provides the HTTP surface of parley: the WebSocket endpoint,
// credential refresh and logout, health and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/ratelimit"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	maxRequestBody           = 64 << 10
)

// Config holds HTTP server configuration.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// AllowedOrigins enables CORS on the auth endpoints for these origins.
	AllowedOrigins []string
	// MetricsPath serves Gatherer in Prometheus format. Empty disables it.
	MetricsPath string
	Gatherer    prometheus.Gatherer
	// HealthCheck reports backing store health (optional).
	HealthCheck func(ctx context.Context) error
	// RefreshLimiter limits /auth/refresh per client address (optional).
	RefreshLimiter *ratelimit.Limiter
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Server routes HTTP requests to the realtime gateway and the auth endpoints.
type Server struct {
	config  Config
	auth    *auth.Service
	ws      http.Handler
	mux     *http.ServeMux
	handler http.Handler
	logger  *slog.Logger
}

// NewServer creates a server. ws handles GET /ws and may be nil in tests
// that only exercise the auth endpoints.
func NewServer(cfg Config, authService *auth.Service, ws http.Handler) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		auth:   authService,
		ws:     ws,
		mux:    http.NewServeMux(),
		logger: cfg.Logger.With("component", "http"),
	}
	s.setupRoutes()

	var handler http.Handler = s.mux
	handler = CORSMiddleware(cfg.AllowedOrigins)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(cfg.Metrics)(handler)
	handler = RecoverMiddleware(s.logger, cfg.Metrics)(handler)
	s.handler = handler
	return s
}

func (s *Server) setupRoutes() {
	if s.ws != nil {
		s.mux.Handle("GET /ws", s.ws)
	}
	s.mux.Handle("POST /auth/refresh", RateLimitMiddleware(s.config.RefreshLimiter, s.config.Metrics)(http.HandlerFunc(s.handleRefresh)))
	s.mux.Handle("POST /auth/logout", auth.Middleware(s.auth, s.logger)(http.HandlerFunc(s.handleLogout)))
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.config.MetricsPath != "" && s.config.Gatherer != nil {
		s.mux.Handle("GET "+s.config.MetricsPath, promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
