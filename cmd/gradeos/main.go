// GradeOS grading engine server — exposes the HTTP API, runs the grading
// graph, and streams run events over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gradeos/gradeos/pkg/api"
	"github.com/gradeos/gradeos/pkg/checkpoint"
	"github.com/gradeos/gradeos/pkg/database"
	"github.com/gradeos/gradeos/pkg/events"
	"github.com/gradeos/gradeos/pkg/llm/anthropic"
	"github.com/gradeos/gradeos/pkg/orchestrator"
	"github.com/gradeos/gradeos/pkg/version"
)

const shutdownTimeout = 30 * time.Second

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

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	backend := getEnv("CHECKPOINT_BACKEND", "postgres")

	slog.Info("Starting GradeOS",
		"version", version.Full(),
		"http_port", httpPort,
		"checkpoint_backend", backend)

	ctx := context.Background()

	// 1. Checkpointer: postgres for durable resume, memory for local runs.
	var (
		store    checkpoint.Checkpointer
		dbClient *database.Client
	)
	switch backend {
	case "postgres":
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		store = checkpoint.NewPostgresStore(dbClient)
		slog.Info("Connected to PostgreSQL database")
	case "memory":
		store = checkpoint.NewMemoryStore()
		slog.Warn("Using in-memory checkpointer — runs will not survive a restart")
	default:
		slog.Error("Unknown CHECKPOINT_BACKEND", "backend", backend)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing checkpointer", "error", err)
		}
	}()

	// 2. Event bus.
	bus := events.NewBus(0, 0)

	// 3. LLM client.
	llmClient := anthropic.NewClient(anthropic.Config{
		APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Model:  os.Getenv("GRADEOS_MODEL"),
	})
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("LLM client initialized")

	// 4. Orchestrator.
	orch, err := orchestrator.New(store, bus, llmClient, orchestrator.Options{})
	if err != nil {
		slog.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	// 5. HTTP server.
	server := api.NewServer(orch, dbClient, slog.Default())
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("GradeOS started successfully")

	// 6. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop accepting requests, then drain runs.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Shutdown timeout exceeded — interrupted runs resume from their last checkpoint", "error", err)
	}

	slog.Info("Shutdown complete")
}
