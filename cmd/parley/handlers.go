package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/realtime"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/typing"
	"github.com/haasonsaas/parley/internal/web"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe wires the store, credential service, hub and HTTP server, then
// blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath, seedPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging.LogConfig()
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting parley",
		"version", version,
		"commit", commit,
		"config", configPath,
		"driver", cfg.Database.Driver,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, traceShutdown := observability.NewTracer(cfg.Observability.Tracing.TraceConfig(version))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down tracer", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	if seedPath != "" {
		memory, ok := store.(*storage.MemoryStore)
		if !ok {
			return errors.New("--seed requires database.driver memory")
		}
		count, err := loadSeed(memory, seedPath)
		if err != nil {
			return err
		}
		logger.Info("seeded memory store", "users", count, "file", seedPath)
	}

	authService := auth.NewService(cfg.Auth.ServiceConfig(), store,
		auth.WithLogger(logger),
		auth.WithMetrics(metrics),
		auth.WithTracer(tracer),
	)
	hub := realtime.NewHub(store, cfg.Realtime.HubConfig(),
		realtime.WithLogger(logger),
		realtime.WithMetrics(metrics),
		realtime.WithTracer(tracer),
		realtime.WithRateLimiter(ratelimit.NewLimiter(cfg.Realtime.RateLimit)),
	)

	sweeper, err := typing.NewSweeper(hub.Typing(), cfg.Realtime.SweepSchedule, logger, metrics)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sweeper.Stop(stopCtx)
	}()

	gateway := realtime.NewGateway(hub, authService, store,
		realtime.WithCheckOrigin(web.OriginChecker(cfg.Server.AllowedOrigins)),
		realtime.WithBaseContext(ctx),
	)

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}
	server := web.NewServer(web.Config{
		Addr:              cfg.Server.Addr(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MetricsPath:       metricsPath,
		Gatherer:          registry,
		HealthCheck:       healthCheck(store, cfg.Database.Driver),
		RefreshLimiter:    ratelimit.NewLimiter(cfg.Server.RefreshRateLimit),
		Logger:            logger,
		Metrics:           metrics,
	}, authService, gateway)

	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("parley stopped gracefully")
	return nil
}

// =============================================================================
// Token Command Handler
// =============================================================================

// runTokenIssue mints a credential pair for an existing user.
func runTokenIssue(cmd *cobra.Command, configPath, userID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Database.Driver == config.DriverMemory {
		slog.Warn("memory driver: the refresh token is not persisted beyond this command")
	} else if _, err := store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("user %q not found", userID)
		}
		return fmt.Errorf("look up user: %w", err)
	}

	service := auth.NewService(cfg.Auth.ServiceConfig(), store)
	pair, err := service.Issue(ctx, userID)
	if err != nil {
		return fmt.Errorf("issue credentials: %w", err)
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(pair)
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, driver %s, listening on %s)\n",
		configPath, cfg.Version, cfg.Database.Driver, cfg.Server.Addr())
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}
