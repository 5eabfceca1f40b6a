// Package types provides common type definitions for the summary archive system.
package types

import (
	"fmt"
	"time"
)

// SourceType represents the conversation platform a source belongs to
type SourceType string

const (
	// SourceDiscord represents a Discord server or channel source
	SourceDiscord SourceType = "discord"
	// SourceSlack represents a Slack workspace or channel source
	SourceSlack SourceType = "slack"
)

// Granularity represents the atomic time bucket at which coverage is tracked
type Granularity string

const (
	// GranularityDay tracks coverage one day at a time
	GranularityDay Granularity = "day"
	// GranularityWeek tracks coverage one ISO week at a time
	GranularityWeek Granularity = "week"
	// GranularityMonth tracks coverage one calendar month at a time
	GranularityMonth Granularity = "month"
)

// CoverageStatus represents the state of a summary for one (source, period)
type CoverageStatus string

const (
	// CoverageComplete represents a period with a current, successful summary
	CoverageComplete CoverageStatus = "complete"
	// CoverageFailed represents a period whose last generation attempt failed
	CoverageFailed CoverageStatus = "failed"
	// CoverageMissing represents a period with no summary at all
	CoverageMissing CoverageStatus = "missing"
	// CoverageOutdated represents a period whose summary predates upstream changes
	CoverageOutdated CoverageStatus = "outdated"
)

// JobStatus represents the state of an archive backfill job.
// Terminal states have no outgoing transitions.
type JobStatus string

const (
	// JobStatusPending represents a job created but not yet admitted to execution
	JobStatusPending JobStatus = "pending"
	// JobStatusQueued represents a job admitted and waiting for a worker
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning represents a job actively processing periods
	JobStatusRunning JobStatus = "running"
	// JobStatusPaused represents a job suspended at a period boundary; resumable
	JobStatusPaused JobStatus = "paused"
	// JobStatusCompleted represents a job that processed all eligible periods
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed represents a job stopped by an unrecoverable error
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled represents a job terminated by explicit request
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// SyncStatus represents the outcome of a sync dispatcher run
type SyncStatus string

const (
	// SyncStatusOK represents a run where every file uploaded successfully
	SyncStatusOK SyncStatus = "ok"
	// SyncStatusPartial represents a run where some files failed to upload
	SyncStatusPartial SyncStatus = "partial"
	// SyncStatusFailed represents a run where no files uploaded successfully
	SyncStatusFailed SyncStatus = "failed"
	// SyncStatusSkipped represents a run skipped because no destination resolved
	SyncStatusSkipped SyncStatus = "skipped"
)

// Source identifies a scope to backfill. Immutable once created; it is the
// primary key into the coverage index.
type Source struct {
	Type      SourceType `json:"type"`
	ServerID  string     `json:"serverId"`
	ChannelID string     `json:"channelId,omitempty"`
}

// Key returns the canonical string key for this source, used for coverage
// lookups and per-source execution locks.
func (s Source) Key() string {
	if s.ChannelID == "" {
		return fmt.Sprintf("%s:%s", s.Type, s.ServerID)
	}
	return fmt.Sprintf("%s:%s:%s", s.Type, s.ServerID, s.ChannelID)
}

// Period represents one atomic time bucket at a source's granularity.
// Start is inclusive, End exclusive.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Key returns the period's canonical date key (the start date in UTC)
func (p Period) Key() string {
	return p.Start.UTC().Format("2006-01-02")
}

// DateRange represents an inclusive range of dates to scan or backfill
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate checks that the range is well-formed
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("date range requires both from and to")
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("date range to (%s) precedes from (%s)",
			r.To.Format("2006-01-02"), r.From.Format("2006-01-02"))
	}
	return nil
}

// Periods enumerates every period in the range at the given granularity,
// in chronological order.
func (r DateRange) Periods(g Granularity) []Period {
	var periods []Period
	cur := truncate(r.From.UTC(), g)
	end := r.To.UTC()
	for !cur.After(end) {
		next := advance(cur, g)
		periods = append(periods, Period{Start: cur, End: next})
		cur = next
	}
	return periods
}

func truncate(t time.Time, g Granularity) time.Time {
	switch g {
	case GranularityWeek:
		day := t.Truncate(24 * time.Hour)
		// Roll back to Monday
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(24 * time.Hour)
	}
}

func advance(t time.Time, g Granularity) time.Time {
	switch g {
	case GranularityWeek:
		return t.AddDate(0, 0, 7)
	case GranularityMonth:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
