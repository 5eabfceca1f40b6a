package models

import (
	"time"

	"github.com/summary-archive/internal/types"
)

// GenerationPlan is the immutable input to an archive backfill job
type GenerationPlan struct {
	Source             types.Source      `json:"source"`
	DateRange          types.DateRange   `json:"dateRange"`
	ChannelIDs         []string          `json:"channelIds,omitempty"`
	Granularity        types.Granularity `json:"granularity"`
	SkipExisting       bool              `json:"skipExisting"`
	RegenerateOutdated bool              `json:"regenerateOutdated"`
	RegenerateFailed   bool              `json:"regenerateFailed"`
	MaxCostUSD         *float64          `json:"maxCostUsd,omitempty"`
	Model              string            `json:"model"`
}

// JobProgress holds the per-period counters for a job.
// completed + failed + skipped <= total at all times, with equality
// only once the job reaches a terminal state.
type JobProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Processed returns the number of periods accounted for so far
func (p JobProgress) Processed() int {
	return p.Completed + p.Failed + p.Skipped
}

// ArchiveJob represents one backfill job in the database.
// Exactly one engine worker owns a job's mutable state at a time;
// external readers observe snapshots only.
type ArchiveJob struct {
	JobID       string          `json:"jobId" db:"job_id"`
	Plan        GenerationPlan  `json:"plan" db:"plan"`
	Status      types.JobStatus `json:"status" db:"status"`
	Progress    JobProgress     `json:"progress" db:"progress"`
	Priority    int             `json:"priority" db:"priority"`
	CostUSD     float64         `json:"costUsd" db:"cost_usd"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	StartedAt   *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
	Error       *string         `json:"error,omitempty" db:"error"`
}

// Snapshot returns an O(1) value copy suitable for handing to pollers
func (j *ArchiveJob) Snapshot() ArchiveJob {
	snap := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		snap.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		snap.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		snap.Error = &e
	}
	return snap
}
