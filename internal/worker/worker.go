// Package worker claims scoring jobs from the queue and forwards them to the external scorer.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/queue"
	"github.com/kiranshivaraju/atsgateway/internal/scoring"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

var errPanic = errors.New("scoring panicked")

// Worker runs a fixed number of claim loops against one queue.
type Worker struct {
	queue        queue.Queue
	scorer       scoring.Scorer
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle loop waits before claiming again.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func New(q queue.Queue, s scoring.Scorer, opts ...Option) *Worker {
	w := &Worker{
		queue:        q,
		scorer:       s,
		logger:       slog.Default(),
		concurrency:  1,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled. Jobs already claimed when that happens
// are finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.concurrency, "poll_interval", w.pollInterval.String())

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := w.ProcessNext(ctx)
		switch {
		case err == nil:
			timer.Reset(0)
			continue
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, context.Canceled):
		default:
			w.logger.Error("claim failed", "error", err)
		}
		timer.Reset(w.pollInterval)
	}
}

// ProcessNext claims one job and runs it to an outcome. It returns
// queue.ErrEmpty when nothing is ready.
func (w *Worker) ProcessNext(ctx context.Context) error {
	lease, err := w.queue.Claim(ctx)
	if err != nil {
		return err
	}
	w.process(context.WithoutCancel(ctx), lease)
	return nil
}

func (w *Worker) process(ctx context.Context, lease *queue.Lease) {
	log := w.logger.With("job_id", lease.JobID, "attempt", lease.Attempt, "max_attempts", lease.MaxAttempts)
	log.Info("job claimed")
	start := time.Now()

	result, err := w.score(ctx, lease)
	if err == nil {
		if err := w.queue.Complete(ctx, lease, result); err != nil {
			w.logFinishError(log, "complete", err)
			return
		}
		log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	retryable := scoring.IsRetryable(err)
	outcome, failErr := w.queue.Fail(ctx, lease, err.Error(), retryable)
	if failErr != nil {
		w.logFinishError(log, "fail", failErr)
		return
	}

	switch outcome {
	case queue.OutcomeRetry:
		log.Warn("job attempt failed, retry scheduled", "error", err, "duration_ms", time.Since(start).Milliseconds())
	default:
		log.Error("job failed", "error", err, "retryable", retryable, "duration_ms", time.Since(start).Milliseconds())
	}
}

// score decodes the payload and calls the scorer. A panic is turned into a
// non-retryable error so one bad job cannot take the loop down.
func (w *Worker) score(ctx context.Context, lease *queue.Lease) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic recovered",
				"job_id", lease.JobID,
				"error", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	payload, err := models.DecodePayload(lease.Payload)
	if err != nil {
		return nil, err
	}
	return w.scorer.Score(ctx, lease.JobID, payload)
}

func (w *Worker) logFinishError(log *slog.Logger, op string, err error) {
	if errors.Is(err, queue.ErrStaleLease) {
		log.Warn("lease lost before "+op+", result discarded", "error", err)
		return
	}
	log.Error(op+" failed", "error", err)
}
