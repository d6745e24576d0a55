package mock_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/scoring"
	"github.com/kiranshivaraju/atsgateway/internal/scoring/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScorer(t *testing.T) {
	s := mock.NewScorer(json.RawMessage(`{"overall_score":70}`))

	got, err := s.Score(context.Background(), "job-1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"overall_score":70}`, string(got))
	assert.NoError(t, s.Ready(context.Background()))
	assert.Equal(t, []string{"job-1"}, s.Calls())
}

func TestNewFailingScorer(t *testing.T) {
	boom := errors.New("boom")
	s := mock.NewFailingScorer(boom)

	_, err := s.Score(context.Background(), "job-1", nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Ready(context.Background()), boom)
}

func TestNewTimeoutScorer(t *testing.T) {
	s := mock.NewTimeoutScorer(time.Millisecond)

	_, err := s.Score(context.Background(), "job-1", nil)
	assert.ErrorIs(t, err, scoring.ErrScorerTimeout)
	assert.True(t, scoring.IsRetryable(err))
}

func TestNewTimeoutScorer_ContextCancelled(t *testing.T) {
	s := mock.NewTimeoutScorer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Score(ctx, "job-1", nil)
	assert.ErrorIs(t, err, scoring.ErrScorerTimeout)
}

func TestScorer_NilFuncs(t *testing.T) {
	s := &mock.Scorer{}

	got, err := s.Score(context.Background(), "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{}`), got)
	assert.NoError(t, s.Ready(context.Background()))
}
