// Package main provides the standalone sync worker. It runs scheduled
// external-storage sweeps without serving the HTTP API, for deployments
// that separate sync traffic from the dashboard backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/summary-archive/internal/config"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/syncer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger().WithComponent("SyncWorker")

	if cfg.Sync.ClientID == "" {
		logger.Fatal("SYNC_OAUTH_CLIENT_ID is required for the sync worker")
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	syncRepo := storage.NewSyncRepository(postgres)
	coverageRepo := storage.NewCoverageRepository(postgres)

	drive, err := syncer.NewDriveClient(syncer.DriveConfig{
		BaseURL:       cfg.Sync.DriveBaseURL,
		ClientID:      cfg.Sync.ClientID,
		ClientSecret:  cfg.Sync.ClientSecret,
		TokenURL:      cfg.Sync.TokenURL,
		UploadTimeout: cfg.Sync.UploadTimeout,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create drive client")
	}

	dispatcher := syncer.NewDispatcher(syncRepo, coverageRepo, drive, cfg.Sync.FallbackFolder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := syncer.NewScheduler(dispatcher, syncRepo)
	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync scheduler")
	}
	logger.Info("Sync worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down sync worker...")
	scheduler.Stop()
	logger.Info("Sync worker exited")
}
