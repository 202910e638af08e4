// Atelier server: exposes the multi-agent design service over HTTP,
// executes design runs, and persists per-run trace journals.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/atelierhq/atelier/pkg/api"
	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/cleanup"
	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/mcp"
	"github.com/atelierhq/atelier/pkg/runs"
	"github.com/atelierhq/atelier/pkg/trace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting atelier",
		"http_port", httpPort,
		"config_dir", *configDir)

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Chat backend adapter
	chatBackend, err := backend.New(cfg.Backend, cfg.System.RequestTimeout)
	if err != nil {
		slog.Error("Failed to initialize chat backend", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := chatBackend.Close(); err != nil {
			slog.Error("Error closing chat backend", "error", err)
		}
	}()
	slog.Info("Chat backend initialized",
		"family", string(cfg.Backend.Family), "model", cfg.Backend.Model)

	// 3. MCP tool registry (sessions open lazily on first use per run)
	registry := mcp.NewRegistry(cfg.MCP)
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Error("Error closing MCP registry", "error", err)
		}
	}()

	// 4. Trace bus with its journal directory
	bus, err := trace.NewBus(cfg.System.JournalDir)
	if err != nil {
		slog.Error("Failed to open trace journal",
			"dir", cfg.System.JournalDir, "error", err)
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	// 5. Run manager and retention sweeper
	manager := runs.NewManager(chatBackend, bus, registry)
	retention := cleanup.NewService(cfg.Retention, manager, bus)
	retention.Start(context.Background())

	// 6. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, manager, bus)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Atelier started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: refuse new runs and cancel in-flight ones,
	// stop the sweeper, then close the HTTP server. The backend, registry
	// and bus close via defers once everything upstream has settled.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := manager.Shutdown(drainCtx); err != nil {
		slog.Warn("Run drain incomplete", "error", err)
	}

	retention.Stop()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
