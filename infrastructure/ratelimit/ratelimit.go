// Package ratelimit throttles the control plane's read-only diagnostics
// HTTP surface (/healthz, /schedules, /queue/stats, /breaker/state, ...).
// The surface has no auth of its own — anything that can reach the port
// can poll it — so a single misbehaving client (a tight polling loop in
// an agent's own health-check script is the realistic case, not abuse)
// shouldn't be able to starve every other caller.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds one limiter's token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

// DefaultConfig is generous enough for a human refreshing a dashboard
// or a supervisor polling /healthz every few seconds, but still caps a
// runaway retry loop well below the point it would show up in CPU
// profiles.
func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		Window:            time.Second,
	}
}

// RateLimiter is a single shared token bucket, used as the coarse
// global cap on the diagnostics surface in front of any per-client
// limiting.
type RateLimiter struct {
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	mu        sync.RWMutex
	config    RateLimitConfig
}

func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) LimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.limiter.Allow()
}

func (r *RateLimiter) PerMinuteLimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.perMinute.Allow()
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
}

// PerClientLimiter rate-limits by an arbitrary key — in practice the
// caller's remote address — so one noisy client throttles only itself
// instead of consuming the shared bucket every other client also draws
// from. Entries are created lazily and never evicted; the diagnostics
// surface sees a small, bounded set of distinct callers (a handful of
// agents and operators), so unbounded growth isn't a practical concern.
type PerClientLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	clients map[string]*rate.Limiter
}

func NewPerClientLimiter(cfg RateLimitConfig) *PerClientLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &PerClientLimiter{
		config:  cfg,
		clients: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether key's bucket has a token available, creating
// the bucket on first use.
func (p *PerClientLimiter) Allow(key string) bool {
	p.mu.Lock()
	limiter, ok := p.clients[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.config.RequestsPerSecond), p.config.Burst)
		p.clients[key] = limiter
	}
	p.mu.Unlock()
	return limiter.Allow()
}
