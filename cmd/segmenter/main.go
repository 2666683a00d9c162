// Segmenter server — provides the product segmentation HTTP API and
// executes segmentation runs in the background.
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

	"github.com/marketlens/segmenter/pkg/api"
	"github.com/marketlens/segmenter/pkg/config"
	"github.com/marketlens/segmenter/pkg/database"
	"github.com/marketlens/segmenter/pkg/llm"
	"github.com/marketlens/segmenter/pkg/repository"
	"github.com/marketlens/segmenter/pkg/runner"
	"github.com/marketlens/segmenter/pkg/service"
	"github.com/marketlens/segmenter/pkg/storage"
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
	slog.Info("Starting segmenter", "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration and prompt templates
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs migrations on startup)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Repositories
	db := dbClient.DB()
	runRepo := repository.NewRunRepository(db)
	taxonomyRepo := repository.NewTaxonomyRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	productRepo := repository.NewProductRepository(db)
	interactionRepo := repository.NewInteractionIndexRepository(db)

	// 4. Interaction storage
	backend, err := storage.NewLocalBackend(cfg.StorageRoot)
	if err != nil {
		slog.Error("Failed to initialize storage backend", "error", err)
		os.Exit(1)
	}
	store := storage.NewInteractionStore(backend, interactionRepo)
	slog.Info("Interaction storage initialized", "root", cfg.StorageRoot)

	// 5. LLM gateway
	provider := llm.NewHTTPProvider(llm.ProviderConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.APIKey(),
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	limiter := llm.NewRateLimiter(llm.Limits{
		MaxRequestsPerMinute:     cfg.RateLimit.MaxRequestsPerMinute,
		MaxInputTokensPerMinute:  cfg.RateLimit.MaxInputTokensPerMinute,
		MaxOutputTokensPerMinute: cfg.RateLimit.MaxOutputTokensPerMinute,
		MaxConcurrentRequests:    cfg.RateLimit.MaxConcurrentRequests,
		ModelMaxTokens:           cfg.LLM.MaxTokens,
	})
	gateway := llm.NewGateway(provider, limiter, llm.NewTokenCounter(), store,
		cfg.Pipeline.MaxAttemptsPerCall, logGatewayEvent)
	slog.Info("LLM gateway initialized", "model", cfg.LLM.Model)

	// 6. Orchestrator and runner
	orchestrator := service.NewOrchestrator(cfg, gateway, runRepo, taxonomyRepo, assignmentRepo, productRepo, store)
	runRunner := runner.New(orchestrator)

	// 7. HTTP server
	server := api.NewServer(orchestrator, runRunner, dbClient)
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Segmenter started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: drain in-flight runs, then the HTTP server.
	runnerDone := make(chan struct{})
	go func() {
		runRunner.Stop()
		close(runnerDone)
	}()
	select {
	case <-runnerDone:
		slog.Info("Runner stopped gracefully")
	case <-time.After(2 * time.Minute):
		slog.Warn("Runner shutdown timeout exceeded - interrupted runs resume on next execution")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// logGatewayEvent turns gateway call outcomes into structured logs.
func logGatewayEvent(ev llm.Event) {
	switch ev.Kind {
	case "attempt_error":
		slog.Warn("LLM call attempt failed",
			"run_id", ev.RunID, "type", ev.Type, "batch_id", ev.BatchID,
			"attempt", ev.Attempt, "reason", ev.Reason, "error", ev.Err)
	case "error":
		slog.Error("LLM call failed",
			"run_id", ev.RunID, "type", ev.Type, "batch_id", ev.BatchID,
			"attempt", ev.Attempt, "error", ev.Err)
	}
}
