package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/aggregator"
	"github.com/ipick/trackd/internal/config"
	"github.com/ipick/trackd/internal/database"
	"github.com/ipick/trackd/internal/httpserver"
	"github.com/ipick/trackd/internal/metrics"
	"github.com/ipick/trackd/internal/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting trackd",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx := context.Background()

	// Initialize database connections
	var db *database.PostgresDB
	var redisDB *database.RedisDB

	// Try to connect to PostgreSQL
	db, err = database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
		logger.Info("connected to PostgreSQL")

		if err := database.RunMigrations(cfg, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
	}

	// Try to connect to Redis
	redisDB, err = database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, dedup and report caching disabled", zap.Error(err))
		redisDB = nil
	} else {
		defer redisDB.Close()
		logger.Info("connected to Redis")
	}

	m := metrics.NewMetrics("trackd")

	// Create HTTP server
	deps := &httpserver.Dependencies{
		DB:      db,
		Redis:   redisDB,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	}

	handler, aggJob := httpserver.NewServer(deps)

	// Nightly rollup schedule
	var scheduler *aggregator.Scheduler
	if cfg.Aggregator.Enabled {
		scheduler, err = aggregator.NewScheduler(aggJob, cfg.Aggregator.Schedule, logger)
		if err != nil {
			logger.Fatal("invalid aggregator schedule", zap.Error(err))
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *zap.Logger {
	format := cfg.Log.Format
	if cfg.IsDevelopment() {
		format = "console"
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, format)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
