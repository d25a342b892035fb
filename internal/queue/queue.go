package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/homescout/mailsync/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, type, payload, status, priority, scheduled_for,
	       idempotency_key, attempts, max_attempts, last_error,
	       created_at, updated_at, processed_at`

// Queue is a durable, time-scheduled, retryable task store backed by the
// scheduled_job table. Producers enqueue; the Worker in this package drains.
type Queue struct {
	db          *sql.DB
	maxAttempts int
}

func New(db *sql.DB, maxAttempts int) *Queue {
	return &Queue{db: db, maxAttempts: maxAttempts}
}

// Options controls scheduling of an enqueued job
type Options struct {
	ScheduledFor   *time.Time // nil = run as soon as a worker is free
	Priority       int        // higher runs first
	IdempotencyKey string     // empty = no dedup
}

// Stats is the operator-facing queue summary
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Dead       int `json:"dead"`
}

// Enqueue inserts a job and returns its id. If an idempotency key is given
// and an equivalent job is already pending or processing, the insert is a
// no-op and the existing job's id is returned instead.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	var idempotencyKey *string
	if opts.IdempotencyKey != "" {
		idempotencyKey = &opts.IdempotencyKey
	}

	query := `
		INSERT INTO scheduled_job (
			id, type, payload, status, priority, scheduled_for,
			idempotency_key, attempts, max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
		ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'processing')
		DO NOTHING
		RETURNING id
	`

	jobID := uuid.New().String()

	for attempt := 0; attempt < 2; attempt++ {
		var insertedID string
		err = q.db.QueryRowContext(ctx, query,
			jobID,
			jobType,
			string(body),
			models.JobStatusPending,
			opts.Priority,
			opts.ScheduledFor,
			idempotencyKey,
			q.maxAttempts,
			time.Now(),
		).Scan(&insertedID)
		if err == nil {
			return insertedID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to enqueue job: %w", err)
		}

		// Conflict: an equivalent job is already in flight. Hand back its id
		// so retried producers see a stable result.
		var existingID string
		err = q.db.QueryRowContext(ctx, `
			SELECT id FROM scheduled_job
			WHERE idempotency_key = $1 AND status IN ('pending', 'processing')
			LIMIT 1
		`, opts.IdempotencyKey).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to resolve duplicate job: %w", err)
		}

		// The conflicting job finished between the insert and the lookup, so
		// nothing is in flight anymore and the insert can go through.
	}

	return "", fmt.Errorf("failed to enqueue job %s: conflicting job kept vanishing", jobType)
}

// GetStats returns per-status job counts
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM scheduled_job GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		switch status {
		case models.JobStatusPending:
			stats.Pending = count
		case models.JobStatusProcessing:
			stats.Processing = count
		case models.JobStatusCompleted:
			stats.Completed = count
		case models.JobStatusFailed:
			stats.Failed = count
		case models.JobStatusDead:
			stats.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return stats, nil
}

// GetJobsByStatus retrieves jobs in the given status, newest first
func (q *Queue) GetJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.ScheduledJob, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_job
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, jobColumns)

	rows, err := q.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// RetryDeadJob puts a dead-lettered job back into the pending state with a
// fresh retry budget.
func (q *Queue) RetryDeadJob(ctx context.Context, jobID string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_job
		SET status = $1, attempts = 0, scheduled_for = NULL,
		    processed_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`, models.JobStatusPending, time.Now(), jobID, models.JobStatusDead)
	if err != nil {
		return fmt.Errorf("failed to retry dead job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check retry result: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}

	return nil
}

// ClaimDue atomically claims up to limit runnable jobs (pending or awaiting
// retry, with scheduled_for in the past) and moves them to processing.
// SKIP LOCKED keeps concurrent workers from claiming the same rows.
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]models.ScheduledJob, error) {
	query := fmt.Sprintf(`
		UPDATE scheduled_job
		SET status = $1, updated_at = $2, processed_at = NULL
		WHERE id IN (
			SELECT id FROM scheduled_job
			WHERE status IN ($3, $4)
			  AND (scheduled_for IS NULL OR scheduled_for <= $2)
			ORDER BY priority DESC, scheduled_for ASC NULLS FIRST, created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, jobColumns)

	rows, err := q.db.QueryContext(ctx, query,
		models.JobStatusProcessing,
		time.Now(),
		models.JobStatusPending,
		models.JobStatusFailed,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkCompleted finishes a job
func (q *Queue) MarkCompleted(ctx context.Context, jobID string) error {
	now := time.Now()
	_, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_job
		SET status = $1, processed_at = $2, updated_at = $2
		WHERE id = $3
	`, models.JobStatusCompleted, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// MarkFailed records a handler failure. The job goes back to failed with a
// backoff-delayed scheduled_for while attempts remain, and to dead once the
// retry budget is exhausted.
func (q *Queue) MarkFailed(ctx context.Context, job models.ScheduledJob, jobErr error) error {
	now := time.Now()
	attempts := job.Attempts + 1
	errText := jobErr.Error()

	if attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE scheduled_job
			SET status = $1, attempts = $2, last_error = $3,
			    processed_at = $4, updated_at = $4
			WHERE id = $5
		`, models.JobStatusDead, attempts, errText, now, job.ID)
		if err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}
		return nil
	}

	retryAt := now.Add(Backoff(attempts))
	_, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_job
		SET status = $1, attempts = $2, last_error = $3,
		    scheduled_for = $4, updated_at = $5
		WHERE id = $6
	`, models.JobStatusFailed, attempts, errText, retryAt, now, job.ID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// RequeueStale returns jobs stuck in processing (worker crash, lost
// connection) to the pending state so they get picked up again.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_job
		SET status = $1, updated_at = $2
		WHERE status = $3 AND updated_at < $4
	`, models.JobStatusPending, time.Now(), models.JobStatusProcessing, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued jobs: %w", err)
	}
	return int(affected), nil
}

// Backoff returns the retry delay after the given attempt count,
// doubling from 30s and capped at one hour.
func Backoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}

// scanJobs scans database rows into a ScheduledJob slice
func scanJobs(rows *sql.Rows) ([]models.ScheduledJob, error) {
	var jobs []models.ScheduledJob

	for rows.Next() {
		var job models.ScheduledJob
		err := rows.Scan(
			&job.ID,
			&job.Type,
			&job.Payload,
			&job.Status,
			&job.Priority,
			&job.ScheduledFor,
			&job.IdempotencyKey,
			&job.Attempts,
			&job.MaxAttempts,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
			&job.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return jobs, nil
}
