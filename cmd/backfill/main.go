// Package main provides a CLI for scanning coverage and running one-off
// backfill jobs without going through the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/summary-archive/internal/config"
	"github.com/summary-archive/internal/coverage"
	"github.com/summary-archive/internal/generate"
	"github.com/summary-archive/internal/job"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/pricing"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/types"
)

func main() {
	var (
		sourceType  = flag.String("type", "discord", "Source platform: discord, slack")
		serverID    = flag.String("server", "", "Server (guild/workspace) ID (required)")
		channelID   = flag.String("channel", "", "Optional channel ID to narrow the source")
		fromStr     = flag.String("from", "", "Range start, YYYY-MM-DD (required)")
		toStr       = flag.String("to", "", "Range end, YYYY-MM-DD (required)")
		granularity = flag.String("granularity", "day", "Period granularity: day, week, month")
		model       = flag.String("model", "", "Model to generate with (defaults to SUMMARIZER_DEFAULT_MODEL)")
		maxCost     = flag.Float64("max-cost", 0, "Cost ceiling in USD; 0 means no ceiling")
		scanOnly    = flag.Bool("scan", false, "Scan coverage and exit without generating")
		dryRun      = flag.Bool("dry-run", false, "Print the cost estimate and exit without generating")
		regenFailed = flag.Bool("regen-failed", false, "Also regenerate periods whose last attempt failed")
		priority    = flag.Int("priority", 0, "Job priority; higher dispatches first")
	)
	flag.Parse()

	if *serverID == "" || *fromStr == "" || *toStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	from, err := time.Parse("2006-01-02", *fromStr)
	if err != nil {
		fatalf("invalid -from date: %v", err)
	}
	to, err := time.Parse("2006-01-02", *toStr)
	if err != nil {
		fatalf("invalid -to date: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fatalf("failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		fatalf("failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	coverageRepo := storage.NewCoverageRepository(postgres)
	scanner := coverage.NewScanner(coverageRepo)

	source := types.Source{
		Type:      types.SourceType(*sourceType),
		ServerID:  *serverID,
		ChannelID: *channelID,
	}
	rng := types.DateRange{From: from, To: to}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *scanOnly {
		result, err := scanner.Scan(ctx, source, &rng, types.Granularity(*granularity))
		if err != nil {
			fatalf("scan failed: %v", err)
		}
		printScan(result)
		return
	}

	plan := &models.GenerationPlan{
		Source:           source,
		DateRange:        rng,
		Granularity:      types.Granularity(*granularity),
		SkipExisting:     true,
		RegenerateFailed: *regenFailed,
		Model:            *model,
	}
	if *maxCost > 0 {
		plan.MaxCostUSD = maxCost
	}
	if plan.Model == "" {
		plan.Model = cfg.Summarizer.DefaultModel
	}

	registry := pricing.NewPriceRegistry(nil)

	if *dryRun {
		estimator := pricing.NewEstimator(scanner, registry)
		estimate, err := estimator.Estimate(ctx, plan)
		if err != nil {
			fatalf("estimate failed: %v", err)
		}
		printEstimate(estimate)
		return
	}

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		fatalf("failed to connect to ClickHouse: %v", err)
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		fatalf("failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ledger, err := pricing.NewSpendLedger(redis.Client(), cfg.Engine.MonthlyCapUSD)
	if err != nil {
		fatalf("failed to create spend ledger: %v", err)
	}

	summarizer := generate.NewSummarizerClient(generate.ClientConfig{
		BaseURL:           cfg.Summarizer.BaseURL,
		APIKey:            cfg.Summarizer.APIKey,
		DefaultModel:      cfg.Summarizer.DefaultModel,
		RequestsPerSecond: cfg.Summarizer.RequestsPerSecond,
		Timeout:           cfg.Engine.PeriodTimeout,
	})

	engine := job.NewEngine(job.Config{
		MaxRunningJobs: 1,
		PeriodTimeout:  cfg.Engine.PeriodTimeout,
		PollInterval:   cfg.Engine.PollInterval,
		DefaultModel:   cfg.Summarizer.DefaultModel,
	}, job.Deps{
		Jobs:      storage.NewJobRepository(postgres),
		Coverage:  coverageRepo,
		Usage:     storage.NewUsageRepository(clickhouse),
		Scanner:   scanner,
		Generator: summarizer,
		Registry:  registry,
		Ledger:    ledger,
		Cache:     storage.NewScanCache(redis, cfg.Engine.ScanCacheTTL),
	})

	if err := engine.Start(ctx); err != nil {
		fatalf("failed to start engine: %v", err)
	}
	defer engine.Stop()

	submitted, err := engine.Submit(ctx, plan, *priority)
	if err != nil {
		fatalf("failed to submit job: %v", err)
	}
	fmt.Printf("Job %s submitted for %s (%s to %s)\n",
		submitted.JobID, source.Key(), *fromStr, *toStr)

	// Poll until the job reaches a terminal state or we are interrupted
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted; the job will resume on the next engine start")
			return
		case <-ticker.C:
			snap, err := engine.GetJob(ctx, submitted.JobID)
			if err != nil {
				fatalf("failed to poll job: %v", err)
			}
			fmt.Printf("  %s: %d/%d completed, %d failed, %d skipped, $%.4f\n",
				snap.Status, snap.Progress.Completed, snap.Progress.Total,
				snap.Progress.Failed, snap.Progress.Skipped, snap.CostUSD)
			if snap.Status.IsTerminal() {
				if snap.Error != nil {
					fmt.Printf("Job finished with status %s: %s\n", snap.Status, *snap.Error)
				} else {
					fmt.Printf("Job finished with status %s\n", snap.Status)
				}
				return
			}
		}
	}
}

func printScan(result *coverage.ScanResult) {
	fmt.Printf("Coverage for %s\n", result.SourceKey)
	fmt.Printf("  total: %d  complete: %d  missing: %d  failed: %d  outdated: %d\n",
		result.TotalDays, result.Complete, result.Missing, result.Failed, result.Outdated)
	for _, gap := range result.Gaps {
		fmt.Printf("  gap [%s] %s to %s (%d days)\n",
			gap.Type, gap.StartDate.Format("2006-01-02"), gap.EndDate.Format("2006-01-02"), gap.DayCount)
	}
}

func printEstimate(est *pricing.Estimate) {
	fmt.Printf("Estimate for model %s (known prices: %v)\n", est.Model, est.ModelKnown)
	fmt.Printf("  periods: %d  tokens: %d  cost: $%.4f\n",
		est.Periods, est.EstimatedTokens, est.EstimatedCostUSD)
	if est.CeilingUSD != nil {
		fmt.Printf("  ceiling: $%.2f covers %d of %d periods\n",
			*est.CeilingUSD, est.PeriodsWithinCeil, est.Periods)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, strings.TrimSuffix(format, "\n")+"\n", args...)
	os.Exit(1)
}
