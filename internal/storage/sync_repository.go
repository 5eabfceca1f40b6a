package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/summary-archive/internal/models"
)

// SyncRepository handles sync config and sync run persistence
type SyncRepository struct {
	db *PostgresDB
}

// NewSyncRepository creates a new sync repository
func NewSyncRepository(db *PostgresDB) *SyncRepository {
	return &SyncRepository{db: db}
}

// UpsertConfig writes the sync configuration for a source
func (r *SyncRepository) UpsertConfig(ctx context.Context, cfg *models.SyncConfig) error {
	query := `
		INSERT INTO sync_configs (
			source_key, enabled, folder_reference, sync_on_generation,
			sync_frequency, using_fallback, updated_at, last_synced_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
		ON CONFLICT (source_key)
		DO UPDATE SET
			enabled = EXCLUDED.enabled,
			folder_reference = EXCLUDED.folder_reference,
			sync_on_generation = EXCLUDED.sync_on_generation,
			sync_frequency = EXCLUDED.sync_frequency,
			using_fallback = EXCLUDED.using_fallback,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		cfg.SourceKey,
		cfg.Enabled,
		cfg.FolderReference,
		cfg.SyncOnGeneration,
		cfg.SyncFrequency,
		cfg.UsingFallback,
		cfg.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync config: %w", err)
	}

	return nil
}

// GetConfig retrieves the sync configuration for a source
func (r *SyncRepository) GetConfig(ctx context.Context, sourceKey string) (*models.SyncConfig, error) {
	query := `
		SELECT source_key, enabled, folder_reference, sync_on_generation,
			   sync_frequency, using_fallback, updated_at, last_synced_at
		FROM sync_configs
		WHERE source_key = $1
	`

	var cfg models.SyncConfig
	err := r.db.Pool().QueryRow(ctx, query, sourceKey).Scan(
		&cfg.SourceKey,
		&cfg.Enabled,
		&cfg.FolderReference,
		&cfg.SyncOnGeneration,
		&cfg.SyncFrequency,
		&cfg.UsingFallback,
		&cfg.UpdatedAt,
		&cfg.LastSyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync config: %w", err)
	}

	return &cfg, nil
}

// ListEnabledConfigs returns every enabled sync configuration, for the
// scheduler to build its cron entries from.
func (r *SyncRepository) ListEnabledConfigs(ctx context.Context) ([]*models.SyncConfig, error) {
	query := `
		SELECT source_key, enabled, folder_reference, sync_on_generation,
			   sync_frequency, using_fallback, updated_at, last_synced_at
		FROM sync_configs
		WHERE enabled = TRUE
		ORDER BY source_key
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.SyncConfig
	for rows.Next() {
		var cfg models.SyncConfig
		err := rows.Scan(
			&cfg.SourceKey,
			&cfg.Enabled,
			&cfg.FolderReference,
			&cfg.SyncOnGeneration,
			&cfg.SyncFrequency,
			&cfg.UsingFallback,
			&cfg.UpdatedAt,
			&cfg.LastSyncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync config: %w", err)
		}
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// TouchLastSynced records the completion time of a successful sync
func (r *SyncRepository) TouchLastSynced(ctx context.Context, sourceKey string) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE sync_configs SET last_synced_at = NOW() WHERE source_key = $1`,
		sourceKey,
	)
	if err != nil {
		return fmt.Errorf("failed to touch last synced: %w", err)
	}
	return nil
}

// CreateRun records the outcome of one sync dispatcher invocation
func (r *SyncRepository) CreateRun(ctx context.Context, run *models.SyncRun) error {
	query := `
		INSERT INTO sync_runs (
			run_id, source_key, status, files_synced, files_failed,
			bytes_uploaded, errors, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		run.RunID,
		run.SourceKey,
		run.Status,
		run.FilesSynced,
		run.FilesFailed,
		run.BytesUploaded,
		run.Errors,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}

	return nil
}

// LatestRun returns the most recent sync run for a source
func (r *SyncRepository) LatestRun(ctx context.Context, sourceKey string) (*models.SyncRun, error) {
	query := `
		SELECT run_id, source_key, status, files_synced, files_failed,
			   bytes_uploaded, errors, started_at, finished_at
		FROM sync_runs
		WHERE source_key = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	var run models.SyncRun
	err := r.db.Pool().QueryRow(ctx, query, sourceKey).Scan(
		&run.RunID,
		&run.SourceKey,
		&run.Status,
		&run.FilesSynced,
		&run.FilesFailed,
		&run.BytesUploaded,
		&run.Errors,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}

	return &run, nil
}
