// Package clock abstracts monotonic time so the scheduler, breaker, and
// timing wheel can be driven deterministically in tests. No other package
// in this module reads wall-clock time directly.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source every stateful component is constructed with.
type Clock interface {
	// Now returns the current time in monotonic milliseconds since an
	// arbitrary epoch fixed at construction.
	Now() int64
	// Sleep blocks the calling goroutine for the given duration. RealClock
	// delegates to time.Sleep; MockClock never blocks — callers that need
	// to observe scheduled work must call Advance.
	Sleep(d time.Duration)
	// AfterFunc schedules fn to run once after d elapses and returns a
	// Timer that can be stopped.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// Real delegates to the OS monotonic clock and the Go runtime scheduler.
type Real struct{ start time.Time }

// NewReal returns a Clock backed by wall-clock/monotonic time.
func NewReal() *Real { return &Real{start: time.Now()} }

func (r *Real) Now() int64 { return time.Since(r.start).Milliseconds() }

func (r *Real) Sleep(d time.Duration) { time.Sleep(d) }

func (r *Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// Mock is a deterministic Clock for tests. It maintains a logical
// current time and a min-ordered set of pending callbacks; Advance fires
// every callback whose fire time has passed, in non-decreasing fire-time
// order with ties broken by insertion order — matching the Timing Wheel's
// firing-order contract so components built on either behave identically
// under test.
type Mock struct {
	mu      sync.Mutex
	nowMs   int64
	seq     int64
	pending []*mockEntry
}

type mockEntry struct {
	fireAt   int64
	seq      int64
	fn       func()
	period   time.Duration // 0 for one-shot
	cancelled bool
}

// NewMock returns a MockClock starting at logical time 0.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowMs
}

// Sleep on a mock clock is a no-op: tests drive time forward with Advance.
func (m *Mock) Sleep(time.Duration) {}

func (m *Mock) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &mockEntry{fireAt: m.nowMs + d.Milliseconds(), seq: m.seq, fn: fn}
	m.seq++
	m.pending = append(m.pending, e)
	return &mockTimer{clock: m, entry: e}
}

// Ticker schedules fn to run every period starting after the first
// period elapses, returning a handle that stops the recurrence.
func (m *Mock) Ticker(period time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &mockEntry{fireAt: m.nowMs + period.Milliseconds(), seq: m.seq, fn: fn, period: period}
	m.seq++
	m.pending = append(m.pending, e)
	return &mockTimer{clock: m, entry: e}
}

// Advance moves the mock clock forward by d, firing every due callback in
// order. Recurring callbacks reschedule themselves before returning.
func (m *Mock) Advance(d time.Duration) {
	target := m.Now() + d.Milliseconds()
	for {
		m.mu.Lock()
		due, rest := m.splitDue(target)
		m.pending = rest
		if len(due) == 0 {
			m.nowMs = target
			m.mu.Unlock()
			break
		}
		m.nowMs = due[len(due)-1].fireAt
		m.mu.Unlock()

		for _, e := range due {
			if e.cancelled {
				continue
			}
			e.fn()
			if e.period > 0 && !e.cancelled {
				m.mu.Lock()
				e.fireAt = m.nowMs + e.period.Milliseconds()
				e.seq = m.seq
				m.seq++
				m.pending = append(m.pending, e)
				m.mu.Unlock()
			}
		}
	}
}

// splitDue must be called with m.mu held. It returns entries with
// fireAt <= target sorted by (fireAt, seq), and the remaining entries.
func (m *Mock) splitDue(target int64) (due, rest []*mockEntry) {
	for _, e := range m.pending {
		if !e.cancelled && e.fireAt <= target {
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].fireAt != due[j].fireAt {
			return due[i].fireAt < due[j].fireAt
		}
		return due[i].seq < due[j].seq
	})
	return due, rest
}

type mockTimer struct {
	clock *Mock
	entry *mockEntry
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	already := t.entry.cancelled
	t.entry.cancelled = true
	return !already
}
