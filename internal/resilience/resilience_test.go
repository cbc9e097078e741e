package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("bad credentials")

	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, "auth", func(ctx context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestRetryRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, "fetch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, "fetch", func(ctx context.Context) error {
		calls++
		return Transient(errors.New("503"))
	})

	assert.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), "fetch", func(ctx context.Context) error {
		return Transient(errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 3, BreakDuration: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, "open", b.State())

	err := b.Do(func() error { return nil })
	assert.Error(t, err, "open breaker must reject without invoking fn")
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := NewBreaker("test", DefaultBreakerConfig())
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Do(func() error { return nil }))
	}
	assert.Equal(t, "closed", b.State())
}

func TestLimiterMinDelayPacesRequests(t *testing.T) {
	l := NewLimiter(RateLimitConfig{MinDelay: 20 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	elapsed := time.Since(start)

	// Three acquisitions with a 20ms floor need at least 40ms.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestLimiterCancellation(t *testing.T) {
	l := NewLimiter(RateLimitConfig{MaxRequests: 1, Window: time.Hour})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx)) // drain the bucket

	cancelled, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(cancelled)
	assert.Error(t, err)
}
