package retry

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter owns one token bucket per service name. Buckets are created
// lazily on first use and shrunk adaptively on observed failures: a
// RateLimitError shrinks hard (the server said to back off), a generic
// transient failure shrinks gently.
type Limiter struct {
	mu      sync.Mutex
	cfg     BucketConfig
	buckets map[string]*rate.Limiter
}

// NewLimiter constructs a Limiter whose buckets start at cfg.
func NewLimiter(cfg BucketConfig) *Limiter {
	if cfg.RatePerSecond <= 0 {
		cfg = DefaultBucketConfig()
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) bucketFor(service string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[service]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst)
		l.buckets[service] = b
	}
	return b
}

// Reserve acquires a token before an attempt, blocking the caller
// (ctx-bounded) if the bucket is currently empty. This is the
// acquireInitialRetryToken step of the spec's retry procedure.
func (l *Limiter) Reserve(ctx context.Context, service string) error {
	return l.bucketFor(service).Wait(ctx)
}

// RecordSuccess is a no-op hook reserved for future adaptive recovery
// (e.g. gradually restoring a shrunk rate); present so call sites have a
// single place to report outcomes symmetrically with RecordFailure.
func (l *Limiter) RecordSuccess(service string) {}

// RecordFailure adapts the service's bucket in response to an observed
// failure: rate-limit responses shrink the bucket hard, other transient
// failures shrink it gently. Rates never fall below a small floor so a
// persistently failing service can still make slow progress.
func (l *Limiter) RecordFailure(service string, rateLimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[service]
	if !ok {
		return
	}
	cur := float64(b.Limit())
	var next float64
	if rateLimited {
		next = cur * 0.5
	} else {
		next = cur * 0.85
	}
	if next < 0.5 {
		next = 0.5
	}
	b.SetLimit(rate.Limit(next))
}
