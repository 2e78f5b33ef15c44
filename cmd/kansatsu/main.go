package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kansatsu/internal/config"
	"github.com/ashita-ai/kansatsu/internal/extension"
	"github.com/ashita-ai/kansatsu/internal/pipeline"
	"github.com/ashita-ai/kansatsu/internal/query"
	"github.com/ashita-ai/kansatsu/internal/server"
	"github.com/ashita-ai/kansatsu/internal/store"
	"github.com/ashita-ai/kansatsu/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KANSATSU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kansatsu starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry before anything that registers instruments.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Tenant registry: every backend/prefix misconfiguration fails here.
	registry, err := config.LoadTenants(cfg.TenantsPath)
	if err != nil {
		return fmt.Errorf("tenants: %w", err)
	}
	slog.Info("tenants registered", "count", len(registry.IDs()))

	provider := store.NewProvider(registry, logger)

	// Extension wiring: dependency violations surface at startup, not
	// during ingestion.
	extRegistry, err := extension.NewRegistry(extension.Defaults(cfg.SlowTaskThreshold)...)
	if err != nil {
		return fmt.Errorf("extensions: %w", err)
	}
	slog.Info("extensions registered", "names", extRegistry.Names())

	runner := extension.NewRunner(extRegistry, logger)
	pipe := pipeline.New(provider, runner, logger)
	querySvc := query.NewService(provider, logger)

	srv := server.New(server.Config{
		Pipeline:            pipe,
		Query:               querySvc,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RequireClosure:      cfg.RequireClosure,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: stop accepting HTTP
	// requests and drain in-flight (they may still append to store buffers),
	// then drain the per-tenant flush buffers.
	slog.Info("kansatsu shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	storeCtx, storeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := provider.Close(storeCtx); err != nil {
		slog.Error("store shutdown error", "error", err)
	}
	storeCancel()

	slog.Info("kansatsu stopped")
	return nil
}
