package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	httpserver "commitdb/internal/http"
	"commitdb/pkg/db"
	"commitdb/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	stats := metrics.New()

	engine, err := db.Open(cfg.DB, db.Options{
		Logger:  slog.Default(),
		Metrics: stats,
	})
	if err != nil {
		slog.Error("failed to open engine", "data_dir", cfg.DB.DataDir, "error", err)
		os.Exit(1)
	}

	server := httpserver.NewServer(engine, stats.Handler(), strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	if err := server.Stop(); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}
	if err := engine.Close(); err != nil {
		slog.Error("error closing engine", "error", err)
	}
}
