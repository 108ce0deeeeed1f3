// Reddit proxy sidecar — wraps the stdio MCP Reddit server behind an HTTP
// search endpoint with aggregation, ranking, and response caching.
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

	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/sidecar"
	"github.com/chanspect/chanspect/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	slog.Info("Starting reddit proxy", "version", version.Full())

	cfg, err := config.LoadSidecar()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// The MCP child is spawned lazily on the first search; a broken command
	// surfaces as a failed request, not a failed boot.
	watchdog := sidecar.NewWatchdog(cfg)
	defer watchdog.Close()

	service := sidecar.NewService(watchdog, cfg)
	httpServer := sidecar.NewServer(service, watchdog)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
