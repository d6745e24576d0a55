package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/atsgateway/internal/queue"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// factory returns an empty queue for one subtest.
type factory func(t *testing.T, clk *clock, policy queue.Policy) queue.Queue

func testPayload() *models.ScoringPayload {
	p := models.NewScoringPayload(models.FileBlob{
		Filename:    "cv.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF resume"),
	})
	p.JDText = "Staff engineer, distributed systems"
	return p
}

func testPolicy() queue.Policy {
	return queue.Policy{MaxAttempts: 3, BackoffBase: 2 * time.Second, LeaseTimeout: time.Minute}
}

// runQueueSuite checks the behaviour every backend must share.
func runQueueSuite(t *testing.T, newQueue factory) {
	ctx := context.Background()

	t.Run("enqueue starts pending", func(t *testing.T) {
		q := newQueue(t, newClock(), testPolicy())

		id, err := q.Enqueue(ctx, testPayload())
		require.NoError(t, err)
		_, err = uuid.Parse(id)
		require.NoError(t, err)

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, st)

		res, err := q.Result(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, res)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 0, job.Attempts)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Empty(t, job.Error)
	})

	t.Run("invalid payload is rejected", func(t *testing.T) {
		q := newQueue(t, newClock(), testPolicy())
		p := testPayload()
		p.JDText = ""

		_, err := q.Enqueue(ctx, p)
		assert.ErrorIs(t, err, models.ErrInvalidPayload)

		_, err = q.Claim(ctx)
		assert.ErrorIs(t, err, queue.ErrEmpty)
	})

	t.Run("unknown ids are not found", func(t *testing.T) {
		q := newQueue(t, newClock(), testPolicy())
		for _, id := range []string{uuid.NewString(), "unknown-id"} {
			_, err := q.Status(ctx, id)
			assert.ErrorIs(t, err, queue.ErrNotFound)
			_, err = q.Get(ctx, id)
			assert.ErrorIs(t, err, queue.ErrNotFound)
			_, err = q.Result(ctx, id)
			assert.ErrorIs(t, err, queue.ErrNotFound)
		}
	})

	t.Run("claim and complete", func(t *testing.T) {
		q := newQueue(t, newClock(), testPolicy())
		id, err := q.Enqueue(ctx, testPayload())
		require.NoError(t, err)

		lease, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, lease.JobID)
		assert.Equal(t, 1, lease.Attempt)
		assert.Equal(t, 3, lease.MaxAttempts)

		decoded, err := models.DecodePayload(lease.Payload)
		require.NoError(t, err)
		assert.Equal(t, testPayload(), decoded)

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, st)

		_, err = q.Claim(ctx)
		assert.ErrorIs(t, err, queue.ErrEmpty, "a leased job is not handed out twice")

		result := json.RawMessage(`{"overall_score":87,"matched_skills":["go","redis"]}`)
		require.NoError(t, q.Complete(ctx, lease, result))

		for i := 0; i < 2; i++ {
			st, err = q.Status(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusCompleted, st)

			got, err := q.Result(ctx, id)
			require.NoError(t, err)
			assert.JSONEq(t, string(result), string(got))
		}

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, job.FinishedAt)
		assert.JSONEq(t, string(result), string(job.Result))

		assert.ErrorIs(t, q.Complete(ctx, lease, result), queue.ErrStaleLease)
		_, err = q.Fail(ctx, lease, "late failure", true)
		assert.ErrorIs(t, err, queue.ErrStaleLease)

		st, err = q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, st, "terminal status never changes")
	})

	t.Run("result bytes are returned verbatim", func(t *testing.T) {
		q := newQueue(t, newClock(), testPolicy())
		id, err := q.Enqueue(ctx, testPayload())
		require.NoError(t, err)
		lease, err := q.Claim(ctx)
		require.NoError(t, err)

		result := json.RawMessage(`{"z_score": 1.50,  "a": [ 1, 2 ], "z_score": 2}`)
		require.NoError(t, q.Complete(ctx, lease, result))

		got, err := q.Result(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, string(result), string(got))

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, string(result), string(job.Result))
	})

	t.Run("retryable failures stop after max attempts", func(t *testing.T) {
		clk := newClock()
		q := newQueue(t, clk, testPolicy())
		id, err := q.Enqueue(ctx, testPayload())
		require.NoError(t, err)

		backoffs := []time.Duration{2 * time.Second, 4 * time.Second}
		for attempt := 1; attempt <= 3; attempt++ {
			lease, err := q.Claim(ctx)
			require.NoError(t, err, "attempt %d", attempt)
			assert.Equal(t, attempt, lease.Attempt)

			outcome, err := q.Fail(ctx, lease, "scorer unavailable: status 503", true)
			require.NoError(t, err)

			if attempt < 3 {
				assert.Equal(t, queue.OutcomeRetry, outcome)

				st, err := q.Status(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, models.JobStatusProcessing, st, "a job waiting for retry stays processing")

				job, err := q.Get(ctx, id)
				require.NoError(t, err)
				assert.Empty(t, job.Error, "error is only exposed once the job failed")

				_, err = q.Claim(ctx)
				assert.ErrorIs(t, err, queue.ErrEmpty, "retry is not due before the backoff")

				clk.Advance(backoffs[attempt-1])
				_, err = q.PromoteDue(ctx, clk.Now())
				require.NoError(t, err)
			} else {
				assert.Equal(t, queue.OutcomeFailed, outcome)
			}
		}

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, 3, job.Attempts)
		assert.Equal(t, "scorer unavailable: status 503", job.Error)
		assert.NotNil(t, job.FinishedAt)

		_, err = q.Claim(ctx)
		assert.ErrorIs(t, err, queue.ErrEmpty)
	})

	t.Run("non-retryable failure is terminal", func(t *testing.T) {
		q := newQueue(t, newClock(), testPolicy())
		id, err := q.Enqueue(ctx, testPayload())
		require.NoError(t, err)

		lease, err := q.Claim(ctx)
		require.NoError(t, err)
		outcome, err := q.Fail(ctx, lease, "scorer rejected request: status 422", false)
		require.NoError(t, err)
		assert.Equal(t, queue.OutcomeFailed, outcome)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, 1, job.Attempts)
	})

	t.Run("expired lease is redelivered with a new token", func(t *testing.T) {
		clk := newClock()
		q := newQueue(t, clk, testPolicy())
		id, err := q.Enqueue(ctx, testPayload())
		require.NoError(t, err)

		first, err := q.Claim(ctx)
		require.NoError(t, err)

		n, err := q.RequeueExpired(ctx, clk.Now())
		require.NoError(t, err)
		assert.Zero(t, n, "lease still valid")

		clk.Advance(time.Minute + time.Second)
		n, err = q.RequeueExpired(ctx, clk.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		second, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, second.JobID)
		assert.Equal(t, 2, second.Attempt)

		assert.ErrorIs(t, q.Complete(ctx, first, json.RawMessage(`{"score":1}`)), queue.ErrStaleLease)
		require.NoError(t, q.Complete(ctx, second, json.RawMessage(`{"score":2}`)))

		res, err := q.Result(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"score":2}`, string(res))
	})

	t.Run("expired lease on final attempt fails the job", func(t *testing.T) {
		clk := newClock()
		policy := testPolicy()
		policy.MaxAttempts = 1
		q := newQueue(t, clk, policy)
		id, err := q.Enqueue(ctx, testPayload())
		require.NoError(t, err)

		_, err = q.Claim(ctx)
		require.NoError(t, err)

		clk.Advance(2 * time.Minute)
		_, err = q.RequeueExpired(ctx, clk.Now())
		require.NoError(t, err)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Contains(t, job.Error, "lease expired")

		_, err = q.Claim(ctx)
		assert.ErrorIs(t, err, queue.ErrEmpty)
	})

	t.Run("each job is leased once under concurrent claims", func(t *testing.T) {
		q := newQueue(t, newClock(), testPolicy())
		const jobs = 10
		for i := 0; i < jobs; i++ {
			_, err := q.Enqueue(ctx, testPayload())
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					lease, err := q.Claim(ctx)
					if err != nil {
						return
					}
					mu.Lock()
					seen[lease.JobID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})
}
