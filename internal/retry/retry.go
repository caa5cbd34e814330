package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/openclaw/core/internal/clock"
)

// AttemptFunc is one unit of outbound work. A nil return means success.
type AttemptFunc func(ctx context.Context) error

// Do runs fn up to cfg.MaxAttempts times against the named service,
// pacing each attempt through limiter's token bucket and classifying
// failures to decide whether to retry, honoring any Retry-After hint the
// failure carries. It returns the last error if every attempt fails or
// the first non-retryable error encountered.
func Do(ctx context.Context, clk clock.Clock, limiter *Limiter, service string, cfg Config, fn AttemptFunc) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := limiter.Reserve(ctx, service); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			limiter.RecordSuccess(service)
			return nil
		}
		lastErr = err

		retryable, retryAfter, rateLimited := Classify(err)
		limiter.RecordFailure(service, rateLimited)
		if !retryable || attempt == cfg.MaxAttempts {
			return lastErr
		}

		delay := nextDelay(cfg, attempt, retryAfter)
		if err := sleep(ctx, clk, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// nextDelay honors an explicit Retry-After hint; otherwise it computes
// capped exponential backoff with jitter: min(base*2^(attempt-1), max).
func nextDelay(cfg Config, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		delta := float64(d) * cfg.Jitter
		d += time.Duration(rand.Float64()*delta*2 - delta)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// sleep waits for d via clk, returning early if ctx is cancelled.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	done := make(chan struct{})
	timer := clk.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
