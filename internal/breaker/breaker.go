// Package breaker implements the rolling-window circuit breaker that
// guards the exec scheduler's admission control against a misbehaving
// downstream. Unlike a simple consecutive-failure counter, trip and
// reset decisions are evaluated against a sliding time window so a
// single old failure cannot keep the breaker tripped indefinitely.
package breaker

import (
	"sync"

	"github.com/openclaw/core/internal/clock"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls trip, backoff, and half-open probing behavior.
type Config struct {
	WindowMs           int64
	MinAttempts        int
	ErrorRateThreshold float64
	ResetTimeoutMs     int64
	MaxBackoffMs       int64
	HalfOpenMax        int
	// OnStateChange, if set, is invoked synchronously on every transition.
	OnStateChange func(from, to State)
}

// maxBackoffExponentTrips caps the exponential backoff's exponent: past
// the 5th consecutive trip, backoff growth stops (but stays at the cap).
const maxBackoffExponentTrips = 5

type sample struct {
	atMs    int64
	success bool
}

// Result is returned by CanExecute.
type Result struct {
	Allowed bool
	Reason  string
}

// Breaker is safe for concurrent use. canExecute is pure with respect to
// wall-clock time: it only reads the Clock given at construction.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock

	state   State
	samples []sample

	consecutiveTrips int
	openedAtMs       int64

	halfOpenInFlight  int
	halfOpenSuccesses int
	halfOpenFailures  int
}

// New constructs a closed Breaker.
func New(cfg Config, clk clock.Clock) *Breaker {
	return &Breaker{cfg: cfg, clk: clk, state: Closed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveTrips returns the number of trips since the breaker last
// fully closed, used to compute the current backoff.
func (b *Breaker) ConsecutiveTrips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveTrips
}

// CanExecute reports whether a call may proceed right now, transitioning
// open -> half-open if the backoff has elapsed.
func (b *Breaker) CanExecute() Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.pruneLocked(now)

	switch b.state {
	case Open:
		if now-b.openedAtMs >= b.backoffMs() {
			b.setStateLocked(HalfOpen)
			b.halfOpenInFlight = 1
			return Result{Allowed: true}
		}
		return Result{Allowed: false, Reason: "circuit-open"}

	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return Result{Allowed: false, Reason: "half-open-probe-limit"}
		}
		b.halfOpenInFlight++
		return Result{Allowed: true}

	default: // Closed
		return Result{Allowed: true}
	}
}

// RecordResult reports the outcome of a call admitted by CanExecute.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.samples = append(b.samples, sample{atMs: now, success: success})
	b.pruneLocked(now)

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenMax {
				b.consecutiveTrips = 0
				b.samples = nil
				b.setStateLocked(Closed)
			}
		} else {
			b.halfOpenFailures++
			b.consecutiveTrips++
			b.openedAtMs = now
			b.setStateLocked(Open)
		}

	case Closed:
		if !success && b.shouldTripLocked() {
			b.consecutiveTrips++
			b.openedAtMs = now
			b.setStateLocked(Open)
		}
	}
}

// shouldTripLocked evaluates the trip rule: failures >= max(MinAttempts,
// 10% of window samples) AND error rate > ErrorRateThreshold. Must be
// called with b.mu held and samples already pruned to the window.
func (b *Breaker) shouldTripLocked() bool {
	total := len(b.samples)
	if total == 0 {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}

	minFailures := b.cfg.MinAttempts
	if tenPct := total / 10; tenPct > minFailures {
		minFailures = tenPct
	}
	if failures < minFailures {
		return false
	}

	errorRate := float64(failures) / float64(total)
	return errorRate > b.cfg.ErrorRateThreshold
}

// backoffMs computes min(ResetTimeoutMs * 2^(consecutiveTrips-1), MaxBackoffMs),
// with the exponent capped at maxBackoffExponentTrips-1 consecutive trips.
func (b *Breaker) backoffMs() int64 {
	trips := b.consecutiveTrips
	if trips < 1 {
		trips = 1
	}
	exponent := trips - 1
	if exponent > maxBackoffExponentTrips-1 {
		exponent = maxBackoffExponentTrips - 1
	}

	backoff := b.cfg.ResetTimeoutMs
	for i := 0; i < exponent; i++ {
		backoff *= 2
		if b.cfg.MaxBackoffMs > 0 && backoff >= b.cfg.MaxBackoffMs {
			backoff = b.cfg.MaxBackoffMs
			break
		}
	}
	if b.cfg.MaxBackoffMs > 0 && backoff > b.cfg.MaxBackoffMs {
		backoff = b.cfg.MaxBackoffMs
	}
	return backoff
}

func (b *Breaker) pruneLocked(nowMs int64) {
	if b.cfg.WindowMs <= 0 || len(b.samples) == 0 {
		return
	}
	cutoff := nowMs - b.cfg.WindowMs
	i := 0
	for i < len(b.samples) && b.samples[i].atMs < cutoff {
		i++
	}
	if i > 0 {
		b.samples = b.samples[i:]
	}
}

func (b *Breaker) setStateLocked(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	if newState == HalfOpen {
		b.halfOpenSuccesses = 0
		b.halfOpenFailures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(old, newState)
	}
}
