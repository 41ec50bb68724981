// Package main starts the backtesting server: data store, strategy
// registry, worker pool, the three engines and the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/api"
	"github.com/quantlab/backtester/internal/backtest"
	"github.com/quantlab/backtester/internal/config"
	"github.com/quantlab/backtester/internal/data"
	"github.com/quantlab/backtester/internal/montecarlo"
	"github.com/quantlab/backtester/internal/optimizer"
	"github.com/quantlab/backtester/internal/strategy"
	"github.com/quantlab/backtester/internal/workers"
	"github.com/quantlab/backtester/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Config file path (YAML)")
	host := flag.String("host", "", "Override server host")
	port := flag.Int("port", 0, "Override server port")
	dataDir := flag.String("data", "", "Override data directory")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	log.Info("starting backtesting server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", cfg.DataDir),
		zap.Int("workers", cfg.Workers),
	)

	store, err := data.NewStore(log, cfg.DataDir)
	if err != nil {
		log.Fatal("failed to open data store", zap.Error(err))
	}

	registry := strategy.NewRegistry(log)
	log.Info("registered strategies", zap.Strings("strategies", registry.List()))

	promRegistry := prometheus.NewRegistry()

	pool := workers.NewPool(log, cfg.Workers, promRegistry)
	pool.Start()

	runner := backtest.NewRunner(log)
	opt := optimizer.New(log, runner, pool)
	mc := montecarlo.New(log, pool)

	server := api.NewServer(log, cfg, store, registry, runner, opt, mc, promRegistry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
		}
	}()

	log.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("error during server shutdown", zap.Error(err))
	}

	pool.Stop()

	log.Info("server stopped")
}
