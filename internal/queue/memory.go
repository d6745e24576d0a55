package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// MemoryQueue is an in-process queue for development and tests. Jobs do not
// survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	jobs    map[string]*memJob
	ready   []string
	delayed map[string]time.Time
	leases  map[string]time.Time
}

type memJob struct {
	job     models.Job
	payload []byte
}

func NewMemoryQueue(policy Policy, opts ...Option) *MemoryQueue {
	o := buildOptions(opts)
	return &MemoryQueue{
		policy:  policy.withDefaults(),
		now:     o.now,
		jobs:    make(map[string]*memJob),
		delayed: make(map[string]time.Time),
		leases:  make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, payload *models.ScoringPayload) (string, error) {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	now := q.now().UTC()
	id := uuid.NewString()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id] = &memJob{
		job: models.Job{
			ID:          id,
			Status:      models.JobStatusPending,
			MaxAttempts: q.policy.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		payload: raw,
	}
	q.ready = append(q.ready, id)
	return id, nil
}

func (q *MemoryQueue) Status(_ context.Context, id string) (models.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	return j.job.Status, nil
}

func (q *MemoryQueue) Result(_ context.Context, id string) (json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.job.Status != models.JobStatusCompleted {
		return nil, nil
	}
	return append(json.RawMessage(nil), j.job.Result...), nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	job := j.job
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		job.FinishedAt = &t
	}
	job.Result = append(json.RawMessage(nil), j.job.Result...)
	if len(job.Result) == 0 {
		job.Result = nil
	}
	if job.Status != models.JobStatusFailed {
		job.Error = ""
	}
	return &job, nil
}

// Claim promotes due retries itself before taking the next ready job, so a
// single-process setup works without the maintenance scheduler.
func (q *MemoryQueue) Claim(_ context.Context) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteLocked(now)

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]

		j, ok := q.jobs[id]
		if !ok || !models.CanTransition(j.job.Status, models.JobStatusProcessing) {
			continue
		}
		if _, leased := q.leases[id]; leased {
			continue
		}
		if j.job.Attempts >= j.job.MaxAttempts {
			q.finishLocked(j, models.JobStatusFailed, nil, errExhausted, now)
			continue
		}

		j.job.Attempts++
		j.job.Status = models.JobStatusProcessing
		j.job.UpdatedAt = now.UTC()
		deadline := now.Add(q.policy.LeaseTimeout)
		q.leases[id] = deadline

		return &Lease{
			JobID:       id,
			Attempt:     j.job.Attempts,
			MaxAttempts: j.job.MaxAttempts,
			Payload:     append([]byte(nil), j.payload...),
			Deadline:    deadline,
		}, nil
	}
	return nil, ErrEmpty
}

func (q *MemoryQueue) Complete(_ context.Context, lease *Lease, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.leasedLocked(lease)
	if err != nil {
		return err
	}
	delete(q.leases, lease.JobID)
	q.finishLocked(j, models.JobStatusCompleted, result, "", q.now())
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, lease *Lease, cause string, retryable bool) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.leasedLocked(lease)
	if err != nil {
		return 0, err
	}
	delete(q.leases, lease.JobID)

	now := q.now()
	if q.policy.shouldRetry(lease, retryable) {
		j.job.Error = cause
		j.job.UpdatedAt = now.UTC()
		q.delayed[lease.JobID] = now.Add(q.policy.Backoff(lease.Attempt))
		return OutcomeRetry, nil
	}
	q.finishLocked(j, models.JobStatusFailed, nil, cause, now)
	return OutcomeFailed, nil
}

func (q *MemoryQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.promoteLocked(now), nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []string
	for id, deadline := range q.leases {
		if deadline.Before(now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	for _, id := range expired {
		delete(q.leases, id)
		j := q.jobs[id]
		if j.job.Attempts >= j.job.MaxAttempts {
			q.finishLocked(j, models.JobStatusFailed, nil, errExhausted, now)
			continue
		}
		q.ready = append(q.ready, id)
	}
	return len(expired), nil
}

func (q *MemoryQueue) Ping(_ context.Context) error { return nil }
func (q *MemoryQueue) Close() error                 { return nil }

func (q *MemoryQueue) promoteLocked(now time.Time) int {
	var due []string
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, k int) bool { return q.delayed[due[i]].Before(q.delayed[due[k]]) })

	for _, id := range due {
		delete(q.delayed, id)
		q.ready = append(q.ready, id)
	}
	return len(due)
}

func (q *MemoryQueue) leasedLocked(lease *Lease) (*memJob, error) {
	if lease == nil {
		return nil, fmt.Errorf("%w: nil lease", ErrStaleLease)
	}
	j, ok := q.jobs[lease.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.job.Status != models.JobStatusProcessing || j.job.Attempts != lease.Attempt {
		return nil, ErrStaleLease
	}
	return j, nil
}

func (q *MemoryQueue) finishLocked(j *memJob, status models.JobStatus, result json.RawMessage, cause string, now time.Time) {
	finished := now.UTC()
	j.job.Status = status
	j.job.UpdatedAt = finished
	j.job.FinishedAt = &finished
	j.payload = nil
	if status == models.JobStatusCompleted {
		j.job.Result = append(json.RawMessage(nil), result...)
		j.job.Error = ""
	} else {
		j.job.Error = cause
	}
}
