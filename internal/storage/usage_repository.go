package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/summary-archive/internal/models"
)

// UsageRepository handles the append-only generation usage ledger in
// ClickHouse. One row per generation attempt that committed spend; cost
// reports aggregate these rows rather than mutable coverage records.
type UsageRepository struct {
	db *ClickHouseDB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *ClickHouseDB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Insert appends one usage event
func (r *UsageRepository) Insert(ctx context.Context, ev *models.UsageEvent) error {
	query := `
		INSERT INTO usage_events (
			event_id, job_id, source_key, period_start, model,
			tokens_in, tokens_out, cost_usd, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.db.Conn().Exec(ctx, query,
		ev.EventID,
		ev.JobID,
		ev.SourceKey,
		ev.PeriodStart,
		ev.Model,
		ev.TokensIn,
		ev.TokensOut,
		ev.CostUSD,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// BatchInsert appends multiple usage events in one batch
func (r *UsageRepository) BatchInsert(ctx context.Context, events []*models.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO usage_events (
			event_id, job_id, source_key, period_start, model,
			tokens_in, tokens_out, cost_usd, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare usage batch: %w", err)
	}

	for _, ev := range events {
		if err := batch.Append(
			ev.EventID,
			ev.JobID,
			ev.SourceKey,
			ev.PeriodStart,
			ev.Model,
			ev.TokensIn,
			ev.TokensOut,
			ev.CostUSD,
			ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append usage event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send usage batch: %w", err)
	}

	return nil
}

// CostBreakdown is one aggregated row of a cost report
type CostBreakdown struct {
	Key       string  `json:"key"`
	Periods   uint64  `json:"periods"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// ReportByModel aggregates committed spend per model over a window
func (r *UsageRepository) ReportByModel(ctx context.Context, from, to time.Time) ([]*CostBreakdown, error) {
	return r.report(ctx, "model", from, to)
}

// ReportBySource aggregates committed spend per source over a window
func (r *UsageRepository) ReportBySource(ctx context.Context, from, to time.Time) ([]*CostBreakdown, error) {
	return r.report(ctx, "source_key", from, to)
}

func (r *UsageRepository) report(ctx context.Context, groupCol string, from, to time.Time) ([]*CostBreakdown, error) {
	// groupCol is one of two compile-time constants, never user input
	query := fmt.Sprintf(`
		SELECT %s AS key,
			   count() AS periods,
			   sum(tokens_in) AS tokens_in,
			   sum(tokens_out) AS tokens_out,
			   sum(cost_usd) AS cost_usd
		FROM usage_events
		WHERE created_at >= ? AND created_at < ?
		GROUP BY key
		ORDER BY cost_usd DESC
	`, groupCol)

	rows, err := r.db.Conn().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage report: %w", err)
	}
	defer rows.Close()

	var out []*CostBreakdown
	for rows.Next() {
		var b CostBreakdown
		if err := rows.Scan(&b.Key, &b.Periods, &b.TokensIn, &b.TokensOut, &b.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage report row: %w", err)
		}
		out = append(out, &b)
	}

	return out, rows.Err()
}

// TotalSpend returns the committed spend over a window
func (r *UsageRepository) TotalSpend(ctx context.Context, from, to time.Time) (float64, error) {
	var total float64
	err := r.db.Conn().QueryRow(ctx, `
		SELECT sum(cost_usd) FROM usage_events
		WHERE created_at >= ? AND created_at < ?
	`, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query total spend: %w", err)
	}
	return total, nil
}
