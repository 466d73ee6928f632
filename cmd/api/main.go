package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/api"
	"github.com/user/product-ingest/internal/bootstrap"
	"github.com/user/product-ingest/internal/config"
	applog "github.com/user/product-ingest/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before the environment")
	memory := flag.Bool("memory", false, "keep documents and images in memory")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	// Initialize structured logger
	logger, err := applog.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("could not create logger: %v", err)
	}
	defer logger.Sync()

	if *memory {
		cfg.UseMemoryStores()
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Initialize pipeline, storage and search
	app, err := bootstrap.New(context.Background(), cfg, logger, bootstrap.Options{Memory: *memory})
	if err != nil {
		logger.Fatal("could not initialise application", zap.Error(err))
	}

	// Initialize API Server
	server := api.NewServer(cfg.ServerPort, api.Deps{
		Runner:   app.Orchestrator,
		Products: app.Gateway,
		Searcher: app.Search,
		Health:   app.Health,
		Gatherer: prometheus.DefaultGatherer,
	}, app.Metrics, logger)

	// Graceful Shutdown
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", cfg.ServerPort), zap.Bool("memory", *memory))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := app.Close(); err != nil {
		logger.Warn("failed to release clients", zap.Error(err))
	}

	logger.Info("server exiting")
}
