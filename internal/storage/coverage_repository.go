package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// CoverageRepository handles coverage index persistence.
// All writes go through the job engine; the gap scanner and cost estimator
// only read.
type CoverageRepository struct {
	db *PostgresDB
}

// NewCoverageRepository creates a new coverage repository
func NewCoverageRepository(db *PostgresDB) *CoverageRepository {
	return &CoverageRepository{db: db}
}

// Upsert writes a coverage record for (source, period), superseding any
// prior record. Records are never deleted.
func (r *CoverageRepository) Upsert(ctx context.Context, rec *models.CoverageRecord) error {
	query := `
		INSERT INTO coverage_records (
			source_key, period_start, period_end, status, summary_id,
			generated_at, cost_usd, tokens, error, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (source_key, period_start)
		DO UPDATE SET
			period_end = EXCLUDED.period_end,
			status = EXCLUDED.status,
			summary_id = EXCLUDED.summary_id,
			generated_at = EXCLUDED.generated_at,
			cost_usd = EXCLUDED.cost_usd,
			tokens = EXCLUDED.tokens,
			error = EXCLUDED.error,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		rec.SourceKey,
		rec.PeriodStart,
		rec.PeriodEnd,
		rec.Status,
		rec.SummaryID,
		rec.GeneratedAt,
		rec.CostUSD,
		rec.Tokens,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert coverage record: %w", err)
	}

	return nil
}

// Get retrieves the coverage record for one (source, period)
func (r *CoverageRepository) Get(ctx context.Context, sourceKey string, periodStart time.Time) (*models.CoverageRecord, error) {
	query := `
		SELECT source_key, period_start, period_end, status, summary_id,
			   generated_at, cost_usd, tokens, error, updated_at
		FROM coverage_records
		WHERE source_key = $1 AND period_start = $2
	`

	rec, err := scanCoverageRow(r.db.Pool().QueryRow(ctx, query, sourceKey, periodStart))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get coverage record: %w", err)
	}

	return rec, nil
}

// ListRange returns all coverage records for a source with period_start in
// [from, to], ordered chronologically.
func (r *CoverageRepository) ListRange(ctx context.Context, sourceKey string, from, to time.Time) ([]*models.CoverageRecord, error) {
	query := `
		SELECT source_key, period_start, period_end, status, summary_id,
			   generated_at, cost_usd, tokens, error, updated_at
		FROM coverage_records
		WHERE source_key = $1 AND period_start >= $2 AND period_start <= $3
		ORDER BY period_start ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, sourceKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list coverage records: %w", err)
	}
	defer rows.Close()

	var records []*models.CoverageRecord
	for rows.Next() {
		rec, err := scanCoverageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coverage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// MarkOutdated transitions complete records to outdated after upstream data
// changes. Non-complete records are left alone.
func (r *CoverageRepository) MarkOutdated(ctx context.Context, sourceKey string, from, to time.Time) (int64, error) {
	query := `
		UPDATE coverage_records
		SET status = $1, updated_at = NOW()
		WHERE source_key = $2 AND period_start >= $3 AND period_start <= $4 AND status = $5
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		types.CoverageOutdated, sourceKey, from, to, types.CoverageComplete)
	if err != nil {
		return 0, fmt.Errorf("failed to mark records outdated: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Bounds returns the earliest and latest tracked period starts for a source.
// Returns ErrNotFound when the source has no records at all.
func (r *CoverageRepository) Bounds(ctx context.Context, sourceKey string) (earliest, latest time.Time, err error) {
	query := `
		SELECT MIN(period_start), MAX(period_start)
		FROM coverage_records
		WHERE source_key = $1
	`

	var minStart, maxStart *time.Time
	if err := r.db.Pool().QueryRow(ctx, query, sourceKey).Scan(&minStart, &maxStart); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to get coverage bounds: %w", err)
	}
	if minStart == nil || maxStart == nil {
		return time.Time{}, time.Time{}, ErrNotFound
	}

	return *minStart, *maxStart, nil
}

// SourceSummary is one tracked source with aggregate coverage counts.
// Sources register implicitly with their first coverage record.
type SourceSummary struct {
	SourceKey       string     `json:"sourceKey"`
	TrackedPeriods  int        `json:"trackedPeriods"`
	Complete        int        `json:"complete"`
	EarliestPeriod  time.Time  `json:"earliestPeriod"`
	LatestPeriod    time.Time  `json:"latestPeriod"`
	LastGeneratedAt *time.Time `json:"lastGeneratedAt,omitempty"`
}

// ListSources returns every tracked source with its coverage aggregates,
// most recently generated first.
func (r *CoverageRepository) ListSources(ctx context.Context) ([]*SourceSummary, error) {
	query := `
		SELECT source_key,
			   COUNT(*),
			   COUNT(*) FILTER (WHERE status = $1),
			   MIN(period_start),
			   MAX(period_start),
			   MAX(generated_at)
		FROM coverage_records
		GROUP BY source_key
		ORDER BY MAX(generated_at) DESC NULLS LAST
	`

	rows, err := r.db.Pool().Query(ctx, query, types.CoverageComplete)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*SourceSummary
	for rows.Next() {
		var s SourceSummary
		if err := rows.Scan(&s.SourceKey, &s.TrackedPeriods, &s.Complete,
			&s.EarliestPeriod, &s.LatestPeriod, &s.LastGeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source summary: %w", err)
		}
		sources = append(sources, &s)
	}

	return sources, rows.Err()
}

// ListCompleted returns completed records for a source, newest first,
// for the sync dispatcher to mirror.
func (r *CoverageRepository) ListCompleted(ctx context.Context, sourceKey string, limit int) ([]*models.CoverageRecord, error) {
	query := `
		SELECT source_key, period_start, period_end, status, summary_id,
			   generated_at, cost_usd, tokens, error, updated_at
		FROM coverage_records
		WHERE source_key = $1 AND status = $2
		ORDER BY period_start DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, sourceKey, types.CoverageComplete, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed records: %w", err)
	}
	defer rows.Close()

	var records []*models.CoverageRecord
	for rows.Next() {
		rec, err := scanCoverageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coverage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoverageRow(row rowScanner) (*models.CoverageRecord, error) {
	var rec models.CoverageRecord
	err := row.Scan(
		&rec.SourceKey,
		&rec.PeriodStart,
		&rec.PeriodEnd,
		&rec.Status,
		&rec.SummaryID,
		&rec.GeneratedAt,
		&rec.CostUSD,
		&rec.Tokens,
		&rec.Error,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
