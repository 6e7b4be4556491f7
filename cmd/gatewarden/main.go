// Package main is the entry point for Gatewarden, a rate-limiting and
// IP-reputation gateway that fronts a web backend.
//
// Gatewarden sits between clients and the backend and provides:
//   - Per-category sliding-window rate limits keyed by client fingerprint
//   - Failed-attempt tracking with automatic lockouts and security alerts
//   - Optional daily usage quotas with bonus grants
//   - An admin API for usage queries, grants, unlocks, and statistics
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gatewarden %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting gatewarden", "version", version)

	// Root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Watch the config file for hot-reload. Fields that cannot be applied
	// to a running process are reported and skipped.
	lastCfg := cfg
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if restart := newCfg.RequiresRestart(lastCfg); len(restart) > 0 {
			logger.Warn("config changes require a restart to take effect", "fields", restart)
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		lastCfg = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("gatewarden shut down gracefully")
}
