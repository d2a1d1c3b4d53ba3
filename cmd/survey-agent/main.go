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

	"campoquest/field-sync/internal/capture"
	"campoquest/field-sync/internal/client"
	"campoquest/field-sync/internal/config"
	"campoquest/field-sync/internal/connectivity"
	"campoquest/field-sync/internal/database"
	"campoquest/field-sync/internal/device"
	"campoquest/field-sync/internal/location"
	"campoquest/field-sync/internal/logger"
	"campoquest/field-sync/internal/offline"
	"campoquest/field-sync/internal/queue"
	"campoquest/field-sync/internal/syncer"

	"go.uber.org/zap"
)

// agentNotifier logs sync outcomes and stamps the device record after each
// pass that moved data
type agentNotifier struct {
	*syncer.LogNotifier
	devices *device.Manager
	logger  *zap.Logger
}

func (n *agentNotifier) SyncCompleted(summary syncer.Summary) {
	n.LogNotifier.SyncCompleted(summary)
	if summary.Succeeded > 0 {
		if err := n.devices.RecordSync(context.Background()); err != nil {
			n.logger.Warn("Failed to record sync time", zap.Error(err))
		}
	}
}

func main() {
	configPath := flag.String("config", "config/agent.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
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

	log.Info("Starting survey agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	ctx := context.Background()

	deviceManager := device.NewManager(db.DB, log.Logger)
	deviceID, err := deviceManager.EnsureDeviceID(ctx, cfg.Device.ID)
	if err != nil {
		log.Fatal("Failed to resolve device identity", zap.Error(err))
	}
	log.Info("Device identity resolved", zap.String("device_id", deviceID))

	apiClient := client.NewAPIClient(
		cfg.Backend.BaseURL,
		time.Duration(cfg.Backend.Timeout)*time.Second,
		log.Logger,
	)
	if cfg.Backend.AuthToken != "" {
		apiClient.SetAuthToken(cfg.Backend.AuthToken)
	}

	store := queue.NewSQLiteStore(db.DB, cfg.Sync.MaxAttempts, log.Logger)

	notifier := &agentNotifier{
		LogNotifier: &syncer.LogNotifier{Logger: log.Logger},
		devices:     deviceManager,
		logger:      log.Logger,
	}
	store.OnDrop(notifier.ItemDropped)

	monitor := connectivity.NewMonitor(
		apiClient,
		time.Duration(cfg.Sync.ConnectivityInterval)*time.Second,
		log.Logger,
	)

	runner := syncer.NewRunner(
		store,
		apiClient,
		time.Duration(cfg.Sync.SubmitTimeout)*time.Second,
		notifier,
		log.Logger,
	)
	scheduler := syncer.NewScheduler(
		runner,
		store,
		monitor.Online,
		time.Duration(cfg.Sync.TickInterval)*time.Second,
		log.Logger,
	)

	monitor.Subscribe(scheduler.ConnectivityChanged)
	monitor.Subscribe(func(online bool) {
		log.Info("Connectivity changed", zap.Bool("online", online))
	})

	monitor.Start()
	scheduler.Start()

	var captureServer *http.Server
	if cfg.Capture.Enabled {
		sampler := location.NewSampler(
			location.NewCommandProvider(cfg.Location.Command, cfg.Location.Args),
			location.Options{
				Timeout:           time.Duration(cfg.Location.SampleTimeout) * time.Second,
				MaxAge:            time.Duration(cfg.Location.MaxAge) * time.Second,
				AccuracyThreshold: cfg.Location.AccuracyThreshold,
			},
			log.Logger,
		)

		handler := capture.NewServer(
			store,
			offline.NewStore(db.DB, log.Logger),
			sampler,
			scheduler,
			apiClient,
			monitor.Online,
			capture.Options{
				DeviceID:          deviceID,
				AppVersion:        cfg.AppVersion,
				AccuracyThreshold: cfg.Location.AccuracyThreshold,
				HighAccuracy:      cfg.Location.HighAccuracy,
			},
			log.Logger,
		)

		addr := fmt.Sprintf("localhost:%d", cfg.Capture.Port)
		captureServer = &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info("Starting capture server", zap.String("address", addr))
			if err := captureServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Capture server error", zap.Error(err))
			}
		}()
	} else {
		log.Info("Capture server disabled in configuration")
	}

	log.Info("Survey agent started",
		zap.String("device_id", deviceID),
		zap.String("backend_url", cfg.Backend.BaseURL),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if captureServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := captureServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Capture server shutdown error", zap.Error(err))
		}
		cancel()
	}

	// An in-flight sync pass runs to completion so acknowledged removals
	// are never lost.
	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		monitor.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Sync scheduler stopped")
	case <-time.After(20 * time.Second):
		log.Warn("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}

	log.Info("Survey agent stopped")
}
