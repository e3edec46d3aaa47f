package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRespectsEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvMaxConcurrent, "42")
	t.Setenv(EnvDispatchWorkers, "7")
	t.Setenv(EnvMaxInterpreters, "3")
	t.Setenv(EnvExecutionMode, "SEQUENTIAL")

	cfg := LoadConfig()
	assert.Equal(t, 42, cfg.MaxConcurrent)
	assert.Equal(t, 7, cfg.DispatchWorkers)
	assert.Equal(t, 3, cfg.MaxInterpreters)
	assert.Equal(t, ExecutionModeSequential, cfg.ExecutionMode)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvExecutionMode, "sideways")

	cfg := LoadConfig()
	assert.GreaterOrEqual(t, cfg.MaxConcurrent, 1)
	assert.GreaterOrEqual(t, cfg.DispatchWorkers, 1)
	assert.Equal(t, cfg.EffectiveCPUs, cfg.MaxInterpreters)
	assert.Equal(t, ExecutionModeConcurrent, cfg.ExecutionMode)
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
}

func TestLoadConfigMultiplier(t *testing.T) {
	t.Setenv(EnvConcurrencyMultiplier, "3")

	cfg := LoadConfig()
	assert.Equal(t, cfg.EffectiveCPUs*3, cfg.MaxConcurrent)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLimiterAcquireReleaseTracksMetrics(t *testing.T) {
	limiter := NewLimiter(2)

	require.NoError(t, limiter.Acquire(context.Background()))
	assert.Equal(t, int64(1), limiter.CurrentActive())
	limiter.Release()

	m := limiter.Metrics()
	assert.Equal(t, int64(1), m.TotalAcquired)
	assert.Equal(t, int64(1), m.TotalReleased)
	assert.Equal(t, int64(1), m.PeakConcurrent)
	assert.Equal(t, int64(0), limiter.CurrentActive())
}

func TestLimiterAcquireHonorsContextCancellation(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	limiter := NewLimiterWithCircuitBreaker(1, cb)
	boom := errors.New("boom")

	err := limiter.Do(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.State())

	err = limiter.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int64(1), limiter.Metrics().TotalRejected)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond)
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.False(t, cb.IsOpen())
	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, int64(0), cb.ConsecutiveFailures())
}
