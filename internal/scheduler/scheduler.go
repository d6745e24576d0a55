// Package scheduler runs the periodic maintenance tasks: moving due retries
// back onto the queue, redelivering expired leases and sweeping old uploads.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kiranshivaraju/atsgateway/internal/blob"
	"github.com/kiranshivaraju/atsgateway/internal/queue"
)

// QueueSpec is how often retries are promoted and expired leases reclaimed.
const QueueSpec = "@every 1s"

// Scheduler wraps robfig/cron.
type Scheduler struct {
	cron      *cron.Cron
	queue     queue.Queue
	blobs     blob.Store
	sweepSpec string
	maxAge    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Scheduler. sweepSpec is a cron spec such as "@daily"; an empty
// spec or a nil store disables the upload sweep.
func New(q queue.Queue, blobs blob.Store, sweepSpec string, maxAge time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		queue:     q,
		blobs:     blobs,
		sweepSpec: sweepSpec,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
	}
}

// Start registers the jobs and starts the cron loop. The jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(QueueSpec, func() { s.MaintainQueue(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc %q: %w", QueueSpec, err)
	}

	if s.blobs != nil && s.sweepSpec != "" {
		if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.Sweep(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc %q: %w", s.sweepSpec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "queue_spec", QueueSpec, "sweep_spec", s.sweepSpec)
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// MaintainQueue promotes due retries and redelivers expired leases.
func (s *Scheduler) MaintainQueue(ctx context.Context) {
	now := s.now()

	promoted, err := s.queue.PromoteDue(ctx, now)
	if err != nil {
		s.logger.Error("promote due jobs failed", "error", err)
	} else if promoted > 0 {
		s.logger.Info("retries promoted", "count", promoted)
	}

	requeued, err := s.queue.RequeueExpired(ctx, now)
	if err != nil {
		s.logger.Error("requeue expired leases failed", "error", err)
	} else if requeued > 0 {
		s.logger.Warn("expired leases reclaimed", "count", requeued)
	}
}

// Sweep deletes stored uploads older than the configured maximum age.
func (s *Scheduler) Sweep(ctx context.Context) {
	removed, err := s.blobs.SweepExpired(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("upload sweep failed", "error", err, "removed", removed)
		return
	}
	s.logger.Info("upload sweep finished", "removed", removed)
}
