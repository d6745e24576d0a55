package queue_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/config"
	"github.com/kiranshivaraju/atsgateway/internal/queue"
	"github.com/stretchr/testify/assert"
)

func TestPolicyBackoff(t *testing.T) {
	p := queue.DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 2*time.Second, p.Backoff(0))
}

func TestNewPolicy_FillsDefaults(t *testing.T) {
	p := queue.NewPolicy(config.QueueConfig{MaxAttempts: 0, Retention: time.Hour})
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BackoffBase)
	assert.Equal(t, 2*time.Minute, p.LeaseTimeout)
	assert.Equal(t, time.Hour, p.Retention)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "retry", queue.OutcomeRetry.String())
	assert.Equal(t, "failed", queue.OutcomeFailed.String())
}

func TestMemoryQueue(t *testing.T) {
	runQueueSuite(t, func(t *testing.T, clk *clock, policy queue.Policy) queue.Queue {
		return queue.NewMemoryQueue(policy, queue.WithClock(clk.Now))
	})
}
