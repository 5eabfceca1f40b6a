// Package syncer mirrors generated archives to external storage.
// Everything here is best-effort: a sync failure is recorded on the sync
// run, never on the job that triggered it.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/types"
)

// ConfigStore persists sync configuration and run history
type ConfigStore interface {
	GetConfig(ctx context.Context, sourceKey string) (*models.SyncConfig, error)
	UpsertConfig(ctx context.Context, cfg *models.SyncConfig) error
	ListEnabledConfigs(ctx context.Context) ([]*models.SyncConfig, error)
	TouchLastSynced(ctx context.Context, sourceKey string) error
	CreateRun(ctx context.Context, run *models.SyncRun) error
	LatestRun(ctx context.Context, sourceKey string) (*models.SyncRun, error)
}

// ArchiveLister reads the completed coverage records to mirror
type ArchiveLister interface {
	ListCompleted(ctx context.Context, sourceKey string, limit int) ([]*models.CoverageRecord, error)
}

// Uploader pushes one archive file to external storage and returns the
// number of bytes written
type Uploader interface {
	Upload(ctx context.Context, folder, name string, content []byte) (int64, error)
}

// maxFilesPerRun bounds one dispatcher invocation
const maxFilesPerRun = 500

// Dispatcher coordinates archive sync for all sources. At most one run per
// source at a time; concurrent triggers for the same source coalesce into
// an immediate skipped run.
type Dispatcher struct {
	store          ConfigStore
	archives       ArchiveLister
	uploader       Uploader
	fallbackFolder string
	logger         *logging.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewDispatcher creates a sync dispatcher. fallbackFolder may be empty, in
// which case sources without a folder reference are skipped.
func NewDispatcher(store ConfigStore, archives ArchiveLister, uploader Uploader, fallbackFolder string) *Dispatcher {
	return &Dispatcher{
		store:          store,
		archives:       archives,
		uploader:       uploader,
		fallbackFolder: fallbackFolder,
		logger:         logging.GetGlobalLogger().WithComponent("SyncDispatcher"),
		active:         make(map[string]bool),
	}
}

// NotifyGenerated is the engine's hook for a freshly generated summary. It
// syncs only sources that opted in to sync-on-generation; concurrent
// notifications for one source coalesce into a single run.
func (d *Dispatcher) NotifyGenerated(ctx context.Context, sourceKey string) error {
	cfg, err := d.store.GetConfig(ctx, sourceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return apperrors.NewSyncError(sourceKey, err)
	}
	if !cfg.Enabled || !cfg.SyncOnGeneration {
		return nil
	}

	_, err = d.TriggerSync(ctx, sourceKey)
	return err
}

// TriggerSync runs one sync pass for a source and records the run
func (d *Dispatcher) TriggerSync(ctx context.Context, sourceKey string) (*models.SyncRun, error) {
	d.mu.Lock()
	if d.active[sourceKey] {
		d.mu.Unlock()
		// A run is already in flight for this source
		return d.skippedRun(ctx, sourceKey, "sync already in progress"), nil
	}
	d.active[sourceKey] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.active, sourceKey)
		d.mu.Unlock()
	}()

	cfg, err := d.store.GetConfig(ctx, sourceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return d.skippedRun(ctx, sourceKey, "no sync configuration"), nil
		}
		return nil, apperrors.NewSyncError(sourceKey, err)
	}
	if !cfg.Enabled {
		return d.skippedRun(ctx, sourceKey, "sync disabled"), nil
	}

	folder, usingFallback := d.resolveFolder(cfg)
	if folder == "" {
		return d.skippedRun(ctx, sourceKey, "no folder configured and no fallback"), nil
	}
	if usingFallback != cfg.UsingFallback {
		cfg.UsingFallback = usingFallback
		if uerr := d.store.UpsertConfig(ctx, cfg); uerr != nil {
			d.logger.WithField("sourceKey", sourceKey).WithError(uerr).Warn("Failed to persist fallback flag")
		}
	}

	run := &models.SyncRun{
		RunID:     uuid.New().String(),
		SourceKey: sourceKey,
		StartedAt: time.Now().UTC(),
	}

	records, err := d.archives.ListCompleted(ctx, sourceKey, maxFilesPerRun)
	if err != nil {
		run.Status = types.SyncStatusFailed
		run.Errors = []string{err.Error()}
		run.FinishedAt = time.Now().UTC()
		d.recordRun(ctx, run)
		return run, apperrors.NewSyncError(sourceKey, err)
	}

	for _, rec := range records {
		name := archiveFileName(rec)
		content, merr := json.MarshalIndent(rec, "", "  ")
		if merr != nil {
			run.FilesFailed++
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", name, merr))
			continue
		}

		n, uerr := d.uploader.Upload(ctx, folder, name, content)
		if uerr != nil {
			run.FilesFailed++
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", name, uerr))
			continue
		}
		run.FilesSynced++
		run.BytesUploaded += n
	}

	switch {
	case run.FilesFailed == 0:
		run.Status = types.SyncStatusOK
	case run.FilesSynced > 0:
		run.Status = types.SyncStatusPartial
	default:
		run.Status = types.SyncStatusFailed
	}
	run.FinishedAt = time.Now().UTC()

	d.recordRun(ctx, run)

	if run.FilesSynced > 0 {
		if terr := d.store.TouchLastSynced(ctx, sourceKey); terr != nil {
			d.logger.WithField("sourceKey", sourceKey).WithError(terr).Warn("Failed to update last synced timestamp")
		}
	}

	d.logger.WithFields(map[string]interface{}{
		"sourceKey": sourceKey,
		"status":    run.Status,
		"synced":    run.FilesSynced,
		"failed":    run.FilesFailed,
		"bytes":     run.BytesUploaded,
	}).Info("Sync run finished")

	if run.Status == types.SyncStatusFailed {
		return run, apperrors.NewSyncError(sourceKey, fmt.Errorf("all %d uploads failed", run.FilesFailed))
	}
	return run, nil
}

// Status reports a source's sync configuration alongside its latest run
func (d *Dispatcher) Status(ctx context.Context, sourceKey string) (*models.SyncConfig, *models.SyncRun, error) {
	cfg, err := d.store.GetConfig(ctx, sourceKey)
	if err != nil {
		return nil, nil, err
	}

	run, err := d.store.LatestRun(ctx, sourceKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	return cfg, run, nil
}

// SyncAllDue runs a sync pass over every enabled source. Used by the
// scheduler; failures are per-source and do not stop the sweep.
func (d *Dispatcher) SyncAllDue(ctx context.Context) {
	configs, err := d.store.ListEnabledConfigs(ctx)
	if err != nil {
		d.logger.WithError(err).Error("Failed to list sync configs")
		return
	}

	for _, cfg := range configs {
		if _, err := d.TriggerSync(ctx, cfg.SourceKey); err != nil {
			d.logger.WithField("sourceKey", cfg.SourceKey).WithError(err).Warn("Scheduled sync failed")
		}
	}
}

func (d *Dispatcher) resolveFolder(cfg *models.SyncConfig) (folder string, usingFallback bool) {
	if cfg.FolderReference != nil && *cfg.FolderReference != "" {
		return *cfg.FolderReference, false
	}
	if d.fallbackFolder != "" {
		return d.fallbackFolder, true
	}
	return "", false
}

func (d *Dispatcher) skippedRun(ctx context.Context, sourceKey, reason string) *models.SyncRun {
	now := time.Now().UTC()
	run := &models.SyncRun{
		RunID:      uuid.New().String(),
		SourceKey:  sourceKey,
		Status:     types.SyncStatusSkipped,
		Errors:     []string{reason},
		StartedAt:  now,
		FinishedAt: now,
	}
	d.recordRun(ctx, run)
	return run
}

func (d *Dispatcher) recordRun(ctx context.Context, run *models.SyncRun) {
	if err := d.store.CreateRun(ctx, run); err != nil {
		d.logger.WithField("sourceKey", run.SourceKey).WithError(err).Error("Failed to record sync run")
	}
}

func archiveFileName(rec *models.CoverageRecord) string {
	return fmt.Sprintf("%s_%s.json", rec.PeriodStart.UTC().Format("2006-01-02"), safeSuffix(rec))
}

func safeSuffix(rec *models.CoverageRecord) string {
	if rec.SummaryID != nil {
		return *rec.SummaryID
	}
	return "summary"
}
