package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse/gatehouse/internal/shared"
)

// Repository provides PostgreSQL backed persistence for command jobs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id, tenant_id, device_id, command, params, priority,
	scheduled_at, status, retry_count, last_error, created_at, updated_at`

// Insert stores a new job.
func (r *Repository) Insert(ctx context.Context, job Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("command: marshal params: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO command_jobs
			(id, tenant_id, device_id, command, params, priority, scheduled_at, status, retry_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.TenantID, job.DeviceID, job.Command, params, job.Priority,
		job.ScheduledAt, job.Status, job.RetryCount, job.LastError)
	return err
}

// Get fetches a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM command_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// DueJobs returns eligible jobs (PENDING, scheduled_at <= now) in
// per-device delivery order: priority descending, then scheduled time.
func (r *Repository) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM command_jobs
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY device_id, priority DESC, scheduled_at ASC
		LIMIT $3`, StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Transition conditionally advances a job. It returns false when the
// job was not in the expected state, so concurrent processors cannot
// double-advance the same job.
func (r *Repository) Transition(ctx context.Context, id string, from, to Status, lastError string) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE command_jobs
		SET status = $3, last_error = $4, updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, from, to, lastError)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResetForRetry puts a failed or timed-out job back to PENDING with an
// updated retry count and scheduled time. Conditional on the current
// status so two sweepers cannot both count a retry.
func (r *Repository) ResetForRetry(ctx context.Context, id string, from Status, retryCount int, scheduledAt time.Time, lastError string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE command_jobs
		SET status = $3, retry_count = $4, scheduled_at = $5, last_error = $6, updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, from, StatusPending, retryCount, scheduledAt, lastError)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// OverdueAwaitingDevice returns SENT/ACKNOWLEDGED jobs whose device has
// been silent past the deadline.
func (r *Repository) OverdueAwaitingDevice(ctx context.Context, deadline time.Time) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM command_jobs
		WHERE status IN ($1, $2) AND scheduled_at <= $3`,
		StatusSent, StatusAcknowledged, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// SweepStuckPending marks PENDING jobs older than the cutoff as FAILED
// and returns how many were swept.
func (r *Repository) SweepStuckPending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE command_jobs
		SET status = $2, last_error = 'timeout', updated_at = now()
		WHERE status = $1 AND scheduled_at <= $3`,
		StatusPending, StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListFailed returns failed and timed-out jobs for operator review,
// newest first. A job resting in either state is permanent: retryable
// failures are reset to PENDING as soon as they are observed.
func (r *Repository) ListFailed(ctx context.Context, tenantID int64, limit int) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM command_jobs
		WHERE tenant_id = $1 AND status IN ($2, $3)
		ORDER BY updated_at DESC
		LIMIT $4`, tenantID, StatusFailed, StatusTimeout, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	var params []byte
	err := row.Scan(&job.ID, &job.TenantID, &job.DeviceID, &job.Command, &params,
		&job.Priority, &job.ScheduledAt, &job.Status, &job.RetryCount,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, fmt.Errorf("command: job: %w", shared.ErrNotFound)
		}
		return Job{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return Job{}, fmt.Errorf("command: unmarshal params: %w", err)
		}
	}
	return job, nil
}
