// Package queue is the durable job queue between the intake API and the scoring worker.
//
// Jobs are delivered at least once. A claimed job carries a lease whose token is
// the attempt number; Complete and Fail are rejected once the token is stale, so
// a worker that lost its lease cannot overwrite the outcome of a later attempt.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/config"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrEmpty      = errors.New("queue empty")
	ErrStaleLease = errors.New("stale lease")
)

// errExhausted is recorded when a lease expires on the final attempt.
const errExhausted = "lease expired after final attempt"

// Queue is the job queue contract. Implementations must be safe for concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, payload *models.ScoringPayload) (string, error)
	Status(ctx context.Context, id string) (models.JobStatus, error)
	Result(ctx context.Context, id string) (json.RawMessage, error)
	Get(ctx context.Context, id string) (*models.Job, error)

	Claim(ctx context.Context) (*Lease, error)
	Complete(ctx context.Context, lease *Lease, result json.RawMessage) error
	Fail(ctx context.Context, lease *Lease, cause string, retryable bool) (Outcome, error)

	PromoteDue(ctx context.Context, now time.Time) (int, error)
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Lease is a claimed job. Attempt doubles as the fencing token.
type Lease struct {
	JobID       string
	Attempt     int
	MaxAttempts int
	Payload     []byte
	Deadline    time.Time
}

// Outcome tells the caller what Fail did with the job.
type Outcome int

const (
	OutcomeRetry Outcome = iota + 1
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Policy is the retry and lease configuration shared by every backend.
type Policy struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	LeaseTimeout time.Duration
	// Retention is how long terminal jobs are kept. Zero keeps them forever.
	Retention time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		LeaseTimeout: 2 * time.Minute,
	}
}

// NewPolicy builds a Policy from queue configuration.
func NewPolicy(cfg config.QueueConfig) Policy {
	return Policy{
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		LeaseTimeout: cfg.LeaseTimeout,
		Retention:    cfg.Retention,
	}.withDefaults()
}

// Backoff returns the delay before the attempt after the given one:
// BackoffBase * 2^(attempt-1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}
	return p.BackoffBase * time.Duration(1<<(attempt-1))
}

// shouldRetry decides between a delayed retry and a terminal failure.
func (p Policy) shouldRetry(lease *Lease, retryable bool) bool {
	return retryable && lease.Attempt < lease.MaxAttempts
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.LeaseTimeout <= 0 {
		p.LeaseTimeout = d.LeaseTimeout
	}
	return p
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for lease deadlines and retry times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
