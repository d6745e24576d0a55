package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// PostgresQueue stores jobs in the scoring_jobs table. Workers claim with
// FOR UPDATE SKIP LOCKED; a retry is a future run_at rather than a separate set.
type PostgresQueue struct {
	pool   *pgxpool.Pool
	policy Policy
	now    func() time.Time
}

func NewPostgresQueue(pool *pgxpool.Pool, policy Policy, opts ...Option) *PostgresQueue {
	o := buildOptions(opts)
	return &PostgresQueue{pool: pool, policy: policy.withDefaults(), now: o.now}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, payload *models.ScoringPayload) (string, error) {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := q.now().UTC()
	_, err = q.pool.Exec(ctx,
		`INSERT INTO scoring_jobs (id, status, payload, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, 'pending', $2, 0, $3, $4, $4, $4)`,
		id, raw, q.policy.MaxAttempts, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

func (q *PostgresQueue) Status(ctx context.Context, id string) (models.JobStatus, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrNotFound
	}
	var status string
	err := q.pool.QueryRow(ctx, `SELECT status FROM scoring_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return models.ParseJobStatus(status)
}

func (q *PostgresQueue) Result(ctx context.Context, id string) (json.RawMessage, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var (
		status string
		result []byte
	)
	err := q.pool.QueryRow(ctx, `SELECT status, result FROM scoring_jobs WHERE id = $1`, id).Scan(&status, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}
	if status != string(models.JobStatusCompleted) || len(result) == 0 {
		return nil, nil
	}
	return json.RawMessage(result), nil
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var (
		job    models.Job
		status string
		result []byte
		errMsg *string
	)
	err := q.pool.QueryRow(ctx,
		`SELECT id, status, attempts, max_attempts, result, error, created_at, updated_at, finished_at
		 FROM scoring_jobs WHERE id = $1`, id,
	).Scan(&job.ID, &status, &job.Attempts, &job.MaxAttempts, &result, &errMsg,
		&job.CreatedAt, &job.UpdatedAt, &job.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	job.Status, err = models.ParseJobStatus(status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	switch job.Status {
	case models.JobStatusCompleted:
		if len(result) > 0 {
			job.Result = json.RawMessage(result)
		}
	case models.JobStatusFailed:
		if errMsg != nil {
			job.Error = *errMsg
		}
	}
	return &job, nil
}

func (q *PostgresQueue) Claim(ctx context.Context) (*Lease, error) {
	now := q.now().UTC()
	deadline := now.Add(q.policy.LeaseTimeout)

	var (
		lease   Lease
		payload []byte
	)
	err := q.pool.QueryRow(ctx,
		`UPDATE scoring_jobs
		    SET status = 'processing', attempts = attempts + 1, lease_expires_at = $2, updated_at = $1
		  WHERE id = (
		        SELECT id FROM scoring_jobs
		         WHERE status IN ('pending', 'processing')
		           AND lease_expires_at IS NULL
		           AND run_at <= $1
		           AND attempts < max_attempts
		         ORDER BY run_at, created_at
		         FOR UPDATE SKIP LOCKED
		         LIMIT 1)
		  RETURNING id, attempts, max_attempts, payload`,
		now, deadline,
	).Scan(&lease.JobID, &lease.Attempt, &lease.MaxAttempts, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	lease.Payload = payload
	lease.Deadline = deadline
	return &lease, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, lease *Lease, result json.RawMessage) error {
	if lease == nil {
		return fmt.Errorf("%w: nil lease", ErrStaleLease)
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE scoring_jobs
		    SET status = 'completed', result = $3, error = NULL, payload = NULL,
		        lease_expires_at = NULL, updated_at = $4, finished_at = $4
		  WHERE id = $1 AND status = 'processing' AND attempts = $2`,
		lease.JobID, lease.Attempt, []byte(result), q.now().UTC())
	if err != nil {
		return fmt.Errorf("complete job %s: %w", lease.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleLease
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, lease *Lease, cause string, retryable bool) (Outcome, error) {
	if lease == nil {
		return 0, fmt.Errorf("%w: nil lease", ErrStaleLease)
	}

	now := q.now().UTC()
	var (
		outcome Outcome
		query   string
		args    []any
	)
	if q.policy.shouldRetry(lease, retryable) {
		outcome = OutcomeRetry
		query = `UPDATE scoring_jobs
		            SET error = $3, lease_expires_at = NULL, run_at = $5, updated_at = $4
		          WHERE id = $1 AND status = 'processing' AND attempts = $2`
		args = []any{lease.JobID, lease.Attempt, cause, now, now.Add(q.policy.Backoff(lease.Attempt))}
	} else {
		outcome = OutcomeFailed
		query = `UPDATE scoring_jobs
		            SET status = 'failed', error = $3, payload = NULL, lease_expires_at = NULL,
		                updated_at = $4, finished_at = $4
		          WHERE id = $1 AND status = 'processing' AND attempts = $2`
		args = []any{lease.JobID, lease.Attempt, cause, now}
	}

	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("fail job %s: %w", lease.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrStaleLease
	}
	return outcome, nil
}

// PromoteDue is a no-op: Claim already selects retries whose run_at has passed.
func (q *PostgresQueue) PromoteDue(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// RequeueExpired clears expired leases so Claim picks the jobs up again, fails
// jobs that had no attempts left, and purges finished jobs past the retention window.
func (q *PostgresQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback(ctx)

	requeued, err := tx.Exec(ctx,
		`UPDATE scoring_jobs
		    SET lease_expires_at = NULL, run_at = $1, updated_at = $1
		  WHERE status = 'processing' AND lease_expires_at < $1 AND attempts < max_attempts`, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}

	failed, err := tx.Exec(ctx,
		`UPDATE scoring_jobs
		    SET status = 'failed', error = $2, payload = NULL, lease_expires_at = NULL,
		        updated_at = $1, finished_at = $1
		  WHERE status = 'processing' AND lease_expires_at < $1 AND attempts >= max_attempts`,
		now, errExhausted)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted leases: %w", err)
	}

	if q.policy.Retention > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM scoring_jobs WHERE status IN ('completed', 'failed') AND finished_at < $1`,
			now.Add(-q.policy.Retention)); err != nil {
			return 0, fmt.Errorf("purge finished jobs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit requeue: %w", err)
	}
	return int(requeued.RowsAffected() + failed.RowsAffected()), nil
}

func (q *PostgresQueue) Ping(ctx context.Context) error {
	return q.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller.
func (q *PostgresQueue) Close() error {
	return nil
}
