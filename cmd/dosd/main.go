// cmd/dosd/main.go
// Package main implements the entry point for the DOS proxy.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dosproxy/dos-indexd-go/internal/config"
	"github.com/dosproxy/dos-indexd-go/internal/download"
	"github.com/dosproxy/dos-indexd-go/internal/indexd"
	"github.com/dosproxy/dos-indexd-go/internal/metrics"
	"github.com/dosproxy/dos-indexd-go/internal/server"
	"github.com/dosproxy/dos-indexd-go/internal/swagger"
	"github.com/dosproxy/dos-indexd-go/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// main is the entry point for the DOS proxy.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	if _, err := telemetry.InitTracer(telemetry.ServiceName, version, traceOut); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		// Shutdown the tracer provider
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	m := metrics.NewMetrics()

	// Initialize upstream clients
	idx, err := indexd.New(cfg.IndexdURL, cfg.UpstreamTimeout, m, logger)
	if err != nil {
		logger.Error("failed to initialize indexd client", "error", err)
		os.Exit(1)
	}

	var dl *download.Client
	if cfg.DownloadURL != "" {
		dl = download.New(cfg.DownloadURL, cfg.UpstreamTimeout, m, logger)
	} else {
		logger.Info("signed URL enrichment disabled, DOS_DOWNLOAD_URL is not set")
	}

	sw := swagger.NewSource(cfg.SwaggerURL, cfg.BasePath, cfg.UpstreamTimeout, m, logger)

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(cfg, idx, dl, sw, logger)

	// Create HTTP server with timeout configuration.
	// Record and signed URL lookups run concurrently, so one upstream
	// timeout bounds a request.
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 5*time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting",
			"addr", addr,
			"env", cfg.Env,
			"version", version,
			"indexd_url", cfg.IndexdURL,
			"download_enabled", dl.Enabled(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}
