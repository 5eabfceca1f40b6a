package models

import (
	"time"

	"github.com/summary-archive/internal/types"
)

// CoverageRecord represents the archive state for one (source, period).
// Records are never deleted, only superseded: missing→complete,
// failed→complete, or complete→outdated when upstream data changes.
type CoverageRecord struct {
	SourceKey   string               `json:"sourceKey" db:"source_key"`
	PeriodStart time.Time            `json:"periodStart" db:"period_start"`
	PeriodEnd   time.Time            `json:"periodEnd" db:"period_end"`
	Status      types.CoverageStatus `json:"status" db:"status"`
	SummaryID   *string              `json:"summaryId,omitempty" db:"summary_id"`
	GeneratedAt *time.Time           `json:"generatedAt,omitempty" db:"generated_at"`
	CostUSD     float64              `json:"costUsd" db:"cost_usd"`
	Tokens      int64                `json:"tokens" db:"tokens"`
	Error       *string              `json:"error,omitempty" db:"error"`
	UpdatedAt   time.Time            `json:"updatedAt" db:"updated_at"`
}

// Gap represents a contiguous run of periods sharing the same non-complete
// status. Derived on every scan, never persisted.
type Gap struct {
	StartDate time.Time            `json:"startDate"`
	EndDate   time.Time            `json:"endDate"`
	DayCount  int                  `json:"dayCount"`
	Type      types.CoverageStatus `json:"type"`
}
