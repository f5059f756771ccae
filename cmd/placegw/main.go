// Package main is the entry point for placegw, the provider gateway that
// mediates between rendering surfaces and the upstream place data provider.
//
// The gateway provides:
//   - A service mode signal (nominal/watch/degraded/outage) derived from
//     circuit, budget, and provider health state
//   - A Redis-coordinated circuit breaker and spend budget shared by all
//     replicas
//   - Durable feature flags with an admin surface
//   - A signed-URL media proxy that keeps provider credentials and raw
//     provider URIs server-side
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/platefinder/placegw/internal/config"
	"github.com/platefinder/placegw/internal/observability"
	"github.com/platefinder/placegw/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("placegw %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting placegw", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
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

	logger.Info("placegw shut down gracefully")
}
