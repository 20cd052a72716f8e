// AutoFix - automated program repair server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/autofixlabs/autofix/internal/api"
	"github.com/autofixlabs/autofix/internal/config"
	"github.com/autofixlabs/autofix/internal/llm"
	"github.com/autofixlabs/autofix/internal/middleware"
	"github.com/autofixlabs/autofix/internal/repair"
	"github.com/autofixlabs/autofix/internal/sandbox"
	"github.com/autofixlabs/autofix/internal/store"
)

const retentionSweepInterval = time.Hour

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "sandbox_image", cfg.Sandbox.Image, "model", cfg.LLM.Model)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runner, err := sandbox.NewDockerRunner(sandbox.Options{
		Image:       cfg.Sandbox.Image,
		MemoryBytes: cfg.Sandbox.MemoryMB * 1024 * 1024,
		Timeout:     cfg.Sandbox.Timeout,
		Runtime:     cfg.Sandbox.Runtime,
	})
	if err != nil {
		slog.Error("Failed to initialize sandbox runner", "error", err)
		os.Exit(1)
	}

	// A down Docker daemon is not fatal at startup: repair requests fail
	// fast with an infra error and /health reports degraded.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Second)
	if err := runner.Ping(startupCtx); err != nil {
		slog.Warn("Docker daemon not reachable, sandbox runs will fail until it is", "error", err)
	} else if ready, err := runner.ImageReady(startupCtx); err != nil || !ready {
		slog.Warn("Sandbox image not ready, build it before submitting code", "image", cfg.Sandbox.Image, "error", err)
	}
	cancelStartup()

	patcher, err := llm.NewOllamaClient(cfg.LLM.Host, cfg.LLM.Model, cfg.LLM.Timeout)
	if err != nil {
		slog.Error("Failed to initialize patch service client", "error", err)
		os.Exit(1)
	}

	ctrl := repair.New(runner, patcher)

	// Initialize handlers.
	baseHandler := api.NewHandler(ctrl, repo, runner, patcher)
	repairHandler := api.NewRepairHandler(baseHandler)
	healthHandler := api.NewHealthHandler(baseHandler, cfg.Sandbox.Image)
	wsHandler := api.NewWebSocketHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)
	repairHandler.RegisterRoutes(r)

	// WebSocket streaming endpoint.
	r.Get("/ws/debug", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartRetentionWorker(ctx, repo, cfg.SessionRetention, retentionSweepInterval)
	slog.Info("Retention worker started", "retention", cfg.SessionRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
