// Package mock provides in-process Scorer implementations for tests.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/scoring"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// Scorer satisfies scoring.Scorer and records the job IDs it was called with.
type Scorer struct {
	ScoreFunc func(ctx context.Context, jobID string, payload *models.ScoringPayload) (json.RawMessage, error)
	ReadyFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls []string
}

func (m *Scorer) Score(ctx context.Context, jobID string, payload *models.ScoringPayload) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, jobID)
	m.mu.Unlock()

	if m.ScoreFunc != nil {
		return m.ScoreFunc(ctx, jobID, payload)
	}
	return json.RawMessage(`{}`), nil
}

func (m *Scorer) Ready(ctx context.Context) error {
	if m.ReadyFunc != nil {
		return m.ReadyFunc(ctx)
	}
	return nil
}

// Calls returns the job IDs passed to Score, in call order.
func (m *Scorer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// NewScorer returns a Scorer that answers every job with result.
func NewScorer(result json.RawMessage) *Scorer {
	return &Scorer{
		ScoreFunc: func(context.Context, string, *models.ScoringPayload) (json.RawMessage, error) {
			return result, nil
		},
	}
}

// NewFailingScorer returns a Scorer whose calls and readiness probe always fail with err.
func NewFailingScorer(err error) *Scorer {
	return &Scorer{
		ScoreFunc: func(context.Context, string, *models.ScoringPayload) (json.RawMessage, error) {
			return nil, err
		},
		ReadyFunc: func(context.Context) error { return err },
	}
}

// NewTimeoutScorer returns a Scorer that stalls for d, or until ctx is done,
// and then reports scoring.ErrScorerTimeout.
func NewTimeoutScorer(d time.Duration) *Scorer {
	return &Scorer{
		ScoreFunc: func(ctx context.Context, _ string, _ *models.ScoringPayload) (json.RawMessage, error) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
			return nil, scoring.ErrScorerTimeout
		},
	}
}

var _ scoring.Scorer = (*Scorer)(nil)
