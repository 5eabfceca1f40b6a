// Package main provides the API server entry point for the summary archive service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/summary-archive/internal/api"
	"github.com/summary-archive/internal/config"
	"github.com/summary-archive/internal/coverage"
	"github.com/summary-archive/internal/generate"
	"github.com/summary-archive/internal/job"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/platform"
	"github.com/summary-archive/internal/pricing"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/syncer"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Initialize repositories
	coverageRepo := storage.NewCoverageRepository(postgres)
	jobRepo := storage.NewJobRepository(postgres)
	syncRepo := storage.NewSyncRepository(postgres)
	usageRepo := storage.NewUsageRepository(clickhouse)
	scanCache := storage.NewScanCache(redis, cfg.Engine.ScanCacheTTL)

	// Pricing components
	registry := pricing.NewPriceRegistry(nil)
	ledger, err := pricing.NewSpendLedger(redis.Client(), cfg.Engine.MonthlyCapUSD)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create spend ledger")
	}

	// Coverage scanner and estimator
	scanner := coverage.NewScanner(coverageRepo)
	estimator := pricing.NewEstimator(scanner, registry)

	// Summarizer client
	summarizer := generate.NewSummarizerClient(generate.ClientConfig{
		BaseURL:           cfg.Summarizer.BaseURL,
		APIKey:            cfg.Summarizer.APIKey,
		DefaultModel:      cfg.Summarizer.DefaultModel,
		RequestsPerSecond: cfg.Summarizer.RequestsPerSecond,
		Timeout:           cfg.Engine.PeriodTimeout,
	})

	// Sync dispatcher; a missing OAuth client disables uploads but keeps
	// the config endpoints working
	var dispatcher *syncer.Dispatcher
	if cfg.Sync.ClientID != "" {
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
		dispatcher = syncer.NewDispatcher(syncRepo, coverageRepo, drive, cfg.Sync.FallbackFolder)
	} else {
		logger.Warn("Sync OAuth client not configured - external sync disabled")
	}

	// Source validator
	var validator platform.Validator = platform.NoopValidator{}
	if cfg.Discord.BotToken != "" {
		discordValidator, err := platform.NewDiscordValidator(cfg.Discord.BotToken)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Discord validator")
		}
		validator = discordValidator
		logger.Info("Discord source validation enabled")
	} else {
		logger.Warn("DISCORD_BOT_TOKEN not set - source validation disabled")
	}

	// Job engine
	engineDeps := job.Deps{
		Jobs:      jobRepo,
		Coverage:  coverageRepo,
		Usage:     usageRepo,
		Scanner:   scanner,
		Generator: summarizer,
		Registry:  registry,
		Ledger:    ledger,
		Cache:     scanCache,
	}
	if dispatcher != nil {
		engineDeps.Syncer = dispatcher
	}

	engine := job.NewEngine(job.Config{
		MaxRunningJobs: cfg.Engine.MaxRunningJobs,
		PeriodTimeout:  cfg.Engine.PeriodTimeout,
		PollInterval:   cfg.Engine.PollInterval,
		DefaultModel:   cfg.Summarizer.DefaultModel,
	}, engineDeps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start job engine")
	}
	logger.Info("Job engine started")

	// Scheduled sync sweeps
	var scheduler *syncer.Scheduler
	if dispatcher != nil {
		scheduler = syncer.NewScheduler(dispatcher, syncRepo)
		if err := scheduler.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start sync scheduler")
		}
		logger.Info("Sync scheduler started")
	}

	// HTTP server
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ScanRPM:         cfg.RateLimit.ScanRPM,
		GenerateRPM:     cfg.RateLimit.GenerateRPM,
		DefaultRPM:      cfg.RateLimit.DefaultRPM,
	}

	serverDeps := api.Deps{
		Engine:    engine,
		Scanner:   scanner,
		Estimator: estimator,
		SyncStore: syncRepo,
		Reports:   usageRepo,
		Sources:   coverageRepo,
		ScanCache: scanCache,
		Validator: validator,
	}
	if dispatcher != nil {
		serverDeps.Sync = dispatcher
	}

	server := api.NewServer(serverConfig, serverDeps)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	if scheduler != nil {
		scheduler.Stop()
	}
	cancel()
	engine.Stop()

	logger.Info("Server exited")
}
