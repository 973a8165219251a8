// Package main is the semcached entry point: a thin HTTP front over the
// semcache client for deployments that want the cache out of process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	semcache "github.com/blueberrycongee/semcache"
	"github.com/blueberrycongee/semcache/internal/config"
	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/internal/observability"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "config/semcached.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := buildLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting semcached", "version", semcache.Version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	tracing, err := observability.InitTracing(ctx, tracingConfig(cfg))
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	client, err := semcache.NewFromConfig(cfg)
	if err != nil {
		logger.Error("failed to build client", "error", err)
		os.Exit(1)
	}
	clients := newClientSwap(client)

	// A config change rebuilds the client and swaps it under live traffic.
	// The old client drains before closing.
	var reloading atomic.Bool
	cfgManager.OnChange(func(next *config.Config) {
		if !reloading.CompareAndSwap(false, true) {
			logger.Warn("client reload already in progress")
			return
		}
		defer reloading.Store(false)

		rebuilt, err := semcache.NewFromConfig(next)
		if err != nil {
			logger.Error("config reload kept previous client", "error", err)
			return
		}
		clients.swap(rebuilt)
		logger.Info("client reloaded", "providers", len(next.Providers))
	})

	h := newHandler(clients, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", h.query)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("POST /v1/invalidate", h.invalidate)
	mux.HandleFunc("GET /healthz", h.health)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var httpHandler http.Handler = mux
	httpHandler = metrics.Middleware(httpHandler)
	httpHandler = observability.RequestIDMiddleware(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	clients.close()
	cfgManager.Close()
	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}
	logger.Info("server stopped")
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level, err := observability.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		Output:     os.Stdout,
		AddSource:  cfg.Logging.AddSource,
		JSONFormat: cfg.Logging.JSON,
	})
}

func tracingConfig(cfg *config.Config) observability.TracingConfig {
	out := observability.DefaultTracingConfig()
	out.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.Endpoint != "" {
		out.Endpoint = cfg.Tracing.Endpoint
	}
	if cfg.Tracing.ServiceName != "" {
		out.ServiceName = cfg.Tracing.ServiceName
	}
	if cfg.Tracing.SampleRate > 0 {
		out.SampleRate = cfg.Tracing.SampleRate
	}
	out.Insecure = cfg.Tracing.Insecure
	return out
}
