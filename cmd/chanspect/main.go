// Chanspect orchestrator server — provides the query HTTP API and runs the
// multi-expert analysis pipeline against the Telegram post corpus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chanspect/chanspect/pkg/api"
	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/database"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/orchestrator"
	"github.com/chanspect/chanspect/pkg/pipeline"
	"github.com/chanspect/chanspect/pkg/reddit"
	"github.com/chanspect/chanspect/pkg/store"
	"github.com/chanspect/chanspect/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	slog.Info("Starting chanspect", "version", version.Full())

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
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

	// 3. Core services
	st := store.New(dbClient.DB())
	gateway := llm.NewGateway(cfg)
	expertPipeline := pipeline.New(st, gateway, cfg)

	// The Reddit branch is optional; an empty proxy URL disables it.
	var redditClient orchestrator.RedditSearcher
	if cfg.RedditProxyURL != "" {
		redditClient = reddit.NewClient(cfg.RedditProxyURL, cfg.RequestDeadline)
		slog.Info("Reddit proxy configured", "url", cfg.RedditProxyURL)
	}

	orch := orchestrator.New(st, expertPipeline, redditClient, cfg)

	// 4. HTTP server
	httpServer := api.NewServer(st, orch, gateway, dbClient.DB(), cfg)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown. In-flight queries get the full request deadline
	// to finish streaming before the listener is torn down.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.RequestDeadline+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
