package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campoquest/field-sync/internal/api"
	"campoquest/field-sync/internal/cache"
	"campoquest/field-sync/internal/config"
	"campoquest/field-sync/internal/logger"
	"campoquest/field-sync/internal/store"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting sync server",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.Database.DSN, log.Logger)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	assignmentCache := cache.Open(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		time.Duration(cfg.Redis.TTL)*time.Second,
		log.Logger,
	)
	defer func() {
		if err := assignmentCache.Close(); err != nil {
			log.Warn("Failed to close assignment cache", zap.Error(err))
		}
	}()

	apiServer := api.NewServer(db, db, assignmentCache, cfg.Validation.AccuracyThreshold, log.Logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Routes(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Sync server stopped")
}
