package models

import (
	"time"

	"github.com/summary-archive/internal/types"
)

// SyncConfig holds the external-storage mirroring configuration for a source.
// Independent lifecycle from jobs: configured once, consulted by the sync
// dispatcher after each job milestone.
type SyncConfig struct {
	SourceKey        string     `json:"sourceKey" db:"source_key"`
	Enabled          bool       `json:"enabled" db:"enabled"`
	FolderReference  *string    `json:"folderReference,omitempty" db:"folder_reference"`
	SyncOnGeneration bool       `json:"syncOnGeneration" db:"sync_on_generation"`
	SyncFrequency    *string    `json:"syncFrequency,omitempty" db:"sync_frequency"` // cron expression
	UsingFallback    bool       `json:"usingFallback" db:"using_fallback"`
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty" db:"last_synced_at"`
}

// SyncRun records the outcome of one sync dispatcher invocation
type SyncRun struct {
	RunID         string           `json:"runId" db:"run_id"`
	SourceKey     string           `json:"sourceKey" db:"source_key"`
	Status        types.SyncStatus `json:"status" db:"status"`
	FilesSynced   int              `json:"filesSynced" db:"files_synced"`
	FilesFailed   int              `json:"filesFailed" db:"files_failed"`
	BytesUploaded int64            `json:"bytesUploaded" db:"bytes_uploaded"`
	Errors        []string         `json:"errors,omitempty" db:"errors"`
	StartedAt     time.Time        `json:"startedAt" db:"started_at"`
	FinishedAt    time.Time        `json:"finishedAt" db:"finished_at"`
}
