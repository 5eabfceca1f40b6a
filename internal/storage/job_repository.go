package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/types"
)

// JobRepository handles archive job persistence
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new archive job
func (r *JobRepository) Create(ctx context.Context, job *models.ArchiveJob) error {
	planJSON, err := json.Marshal(job.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	query := `
		INSERT INTO archive_jobs (
			job_id, source_key, plan, status, priority,
			progress_total, progress_completed, progress_failed, progress_skipped,
			cost_usd, created_at, started_at, completed_at, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		job.JobID,
		job.Plan.Source.Key(),
		planJSON,
		job.Status,
		job.Priority,
		job.Progress.Total,
		job.Progress.Completed,
		job.Progress.Failed,
		job.Progress.Skipped,
		job.CostUSD,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create archive job: %w", err)
	}

	return nil
}

// Update persists the full mutable state of a job
func (r *JobRepository) Update(ctx context.Context, job *models.ArchiveJob) error {
	query := `
		UPDATE archive_jobs
		SET status = $2,
			progress_total = $3,
			progress_completed = $4,
			progress_failed = $5,
			progress_skipped = $6,
			cost_usd = $7,
			started_at = $8,
			completed_at = $9,
			error = $10
		WHERE job_id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		job.JobID,
		job.Status,
		job.Progress.Total,
		job.Progress.Completed,
		job.Progress.Failed,
		job.Progress.Skipped,
		job.CostUSD,
		job.StartedAt,
		job.CompletedAt,
		job.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update archive job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// GetByID retrieves an archive job by ID
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*models.ArchiveJob, error) {
	query := selectJobQuery + ` WHERE job_id = $1`

	job, err := scanJobRow(r.db.Pool().QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archive job: %w", err)
	}

	return job, nil
}

// List returns jobs, optionally filtered by status, newest first
func (r *JobRepository) List(ctx context.Context, status *types.JobStatus, limit int) ([]*models.ArchiveJob, error) {
	query := selectJobQuery
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, *status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ArchiveJob
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ListByStatuses returns jobs in any of the given statuses, oldest first.
// The admission loop uses this to recover pending/queued work after restart.
func (r *JobRepository) ListByStatuses(ctx context.Context, statuses []types.JobStatus, limit int) ([]*models.ArchiveJob, error) {
	query := selectJobQuery + ` WHERE status = ANY($1) ORDER BY priority DESC, created_at ASC LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ArchiveJob
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// CountRunning returns the number of jobs currently holding a running slot
func (r *JobRepository) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM archive_jobs WHERE status = $1`,
		types.JobStatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return count, nil
}

const selectJobQuery = `
	SELECT job_id, plan, status, priority,
		   progress_total, progress_completed, progress_failed, progress_skipped,
		   cost_usd, created_at, started_at, completed_at, error
	FROM archive_jobs`

func scanJobRow(row rowScanner) (*models.ArchiveJob, error) {
	var job models.ArchiveJob
	var planJSON []byte

	err := row.Scan(
		&job.JobID,
		&planJSON,
		&job.Status,
		&job.Priority,
		&job.Progress.Total,
		&job.Progress.Completed,
		&job.Progress.Failed,
		&job.Progress.Skipped,
		&job.CostUSD,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Error,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(planJSON, &job.Plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan for job %s: %w", job.JobID, err)
	}

	return &job, nil
}
