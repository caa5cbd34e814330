package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/internal/clock"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	clk := clock.NewReal()
	lim := NewLimiter(BucketConfig{RatePerSecond: 1000, Burst: 10})
	calls := 0
	err := Do(context.Background(), clk, lim, ServiceGateway, DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	clk := clock.NewReal()
	lim := NewLimiter(BucketConfig{RatePerSecond: 1000, Burst: 10})
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	calls := 0
	err := Do(context.Background(), clk, lim, ServiceDiscord, cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connect: connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoGivesUpOnNonRetryableError(t *testing.T) {
	clk := clock.NewReal()
	lim := NewLimiter(BucketConfig{RatePerSecond: 1000, Burst: 10})
	calls := 0
	err := Do(context.Background(), clk, lim, ServiceWebfetch, DefaultConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("permission denied")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoHonorsRateLimitRetryAfter(t *testing.T) {
	clk := clock.NewReal()
	lim := NewLimiter(BucketConfig{RatePerSecond: 1000, Burst: 10})
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Second}

	calls := 0
	start := time.Now()
	err := Do(context.Background(), clk, lim, ServiceTelegram, cfg, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &RateLimitError{Service: ServiceTelegram, RetryAfter: 10 * time.Millisecond}
		}
		return nil
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Less(t, elapsed, 500*time.Millisecond, "should honor the short Retry-After hint, not the 1s base delay")
}

func TestDoExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	clk := clock.NewReal()
	lim := NewLimiter(BucketConfig{RatePerSecond: 1000, Burst: 10})
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := Do(context.Background(), clk, lim, ServiceGateway, cfg, func(ctx context.Context) error {
		calls++
		return errors.New("timeout waiting for response")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestClassify(t *testing.T) {
	retryable, _, rl := Classify(errors.New("connection reset by peer"))
	require.True(t, retryable)
	require.False(t, rl)

	retryable, after, rl := Classify(&RateLimitError{Service: "x", RetryAfter: 5 * time.Second})
	require.True(t, retryable)
	require.True(t, rl)
	require.Equal(t, 5*time.Second, after)

	retryable, _, _ = Classify(errors.New("invalid argument"))
	require.False(t, retryable)
}

func TestLimiterRecordFailureShrinksBucket(t *testing.T) {
	lim := NewLimiter(BucketConfig{RatePerSecond: 10, Burst: 10})
	b := lim.bucketFor(ServiceDiscord)
	before := float64(b.Limit())
	lim.RecordFailure(ServiceDiscord, true)
	after := float64(b.Limit())
	require.Less(t, after, before)
}
