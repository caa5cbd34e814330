// Package execsched ties the priority queue, circuit breaker, and resource
// monitor into admission control for task execution: it decides whether a
// task may start right now, runs admitted tasks concurrently up to an
// adaptively-scaled ceiling, and feeds outcomes back into the breaker and
// a cardinality-bounded metrics collector.
package execsched

import (
	"context"
	"fmt"
	"sync"

	"github.com/openclaw/core/internal/breaker"
	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/queue"
	"github.com/openclaw/core/internal/resource"
	"github.com/openclaw/core/internal/wheel"
)

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg Config
	clk clock.Clock
	w   *wheel.Wheel

	q       *queue.Queue
	brk     *breaker.Breaker
	monitor *resource.Monitor
	metrics *Collector
	anomaly *anomalyDetector
	pid     *pidController
	events  Events

	running      int
	peakRunning  int
	effectiveMax int
	paused       bool
	shuttingDown bool
	deadlineHit  bool

	shutdownHooks   []ShutdownHook
	recentDecisions []Decision

	agingTimerID string
	pidTimerID   string
	deadlineID   string
}

// New constructs a Scheduler. w must be the same wheel driving q's
// max-wait timers so aging sweeps and the adaptive loop share one clock.
func New(cfg Config, clk clock.Clock, w *wheel.Wheel, q *queue.Queue, brk *breaker.Breaker, monitor *resource.Monitor, metrics *Collector, events Events) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		clk:          clk,
		w:            w,
		q:            q,
		brk:          brk,
		monitor:      monitor,
		metrics:      metrics,
		anomaly:      newAnomalyDetector(cfg.AnomalyAlpha, cfg.AnomalySigma),
		pid:          newPIDController(0.1, 0.01, 0.05, cfg.LatencyTargetMs, cfg.MinConcurrency, cfg.MaxConcurrency),
		events:       events,
		effectiveMax: cfg.MaxConcurrency,
		agingTimerID: "execsched-aging-sweep",
		pidTimerID:   "execsched-adaptive-concurrency",
		deadlineID:   "execsched-shutdown-deadline",
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start arms the periodic aging sweep and adaptive concurrency loop.
func (s *Scheduler) Start() {
	if s.cfg.AgingSweepMs > 0 {
		s.w.ScheduleInterval(s.agingTimerID, s.cfg.AgingSweepMs, func() {
			s.q.SweepAging(s.clk.Now())
			s.mu.Lock()
			s.drainLocked()
			s.mu.Unlock()
		})
	}
	if s.cfg.AdaptiveIntervalMs > 0 {
		s.w.ScheduleInterval(s.pidTimerID, s.cfg.AdaptiveIntervalMs, s.adjustConcurrency)
	}
}

// NotifyEnqueued should be wired as the queue's OnEnqueued event so a
// newly arrived task is considered for immediate admission. It kicks the
// drain loop on a separate goroutine: queue events fire synchronously
// from inside the queue's own lock, and drainLocked calls back into
// q.Dequeue, so draining inline here would deadlock against the very
// Enqueue call that invoked this callback.
func (s *Scheduler) NotifyEnqueued(taskID string) {
	go func() {
		s.mu.Lock()
		s.drainLocked()
		s.mu.Unlock()
	}()
}

// RegisterShutdownHook appends a hook run during Shutdown, LIFO by
// registration order.
func (s *Scheduler) RegisterShutdownHook(h ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownHooks = append(s.shutdownHooks, h)
}

// Pause halts new admissions without disturbing tasks already running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables admission and attempts to drain immediately.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.drainLocked()
	s.mu.Unlock()
}

// canStartLocked evaluates admission: shutdown, pause, adaptive
// concurrency ceiling, resource pressure, then the breaker last of all.
// The breaker is checked last, not in spec-narration order, because
// CanExecute reserves a half-open probe slot as a side effect; reserving
// one only to discard the task on a later check would leak a probe the
// breaker would never see resolved via RecordResult. Must be called with
// s.mu held.
func (s *Scheduler) canStartLocked() (bool, string) {
	if s.shuttingDown {
		return false, "shutting-down"
	}
	if s.paused {
		return false, "paused"
	}
	if s.running >= s.effectiveMax {
		return false, "max-concurrency"
	}
	rres := s.monitor.CanStartProcess()
	if !rres.Allowed {
		return false, rres.Reason
	}
	res := s.brk.CanExecute()
	if !res.Allowed {
		return false, res.Reason
	}
	return true, ""
}

// drainLocked admits as many queued tasks as admission allows. Must be
// called with s.mu held.
func (s *Scheduler) drainLocked() {
	for s.q.GetSize() > 0 {
		allowed, reason := s.canStartLocked()
		if !allowed {
			s.recordDecisionLocked(false, reason)
			if s.events.OnDenied != nil {
				s.events.OnDenied("", reason)
			}
			return
		}
		task, ok := s.q.Dequeue()
		if !ok {
			return
		}
		s.recordDecisionLocked(true, "")
		s.admitLocked(task)
	}
}

func (s *Scheduler) admitLocked(task *queue.Task) {
	s.running++
	if s.running > s.peakRunning {
		s.peakRunning = s.running
	}
	waitMs := s.clk.Now() - task.EnqueuedAtMs
	s.metrics.Record("queue_wait_ms", float64(waitMs), map[string]string{"priority": task.Priority.String()})
	if s.events.OnAdmitted != nil {
		s.events.OnAdmitted(task.TaskID)
	}
	go s.runTask(task)
}

// runTask executes one admitted task outside the scheduler lock, since
// Execute may block. A panic inside Execute is treated as a failed
// execution for breaker purposes; Execute itself carries no error return,
// so success is "did not panic".
func (s *Scheduler) runTask(task *queue.Task) {
	start := s.clk.Now()
	success := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				success = false
			}
		}()
		if task.Execute != nil {
			task.Execute()
		}
	}()
	durationMs := s.clk.Now() - start

	s.brk.RecordResult(success)
	s.metrics.Record("exec_duration_ms", float64(durationMs), map[string]string{"priority": task.Priority.String()})

	s.mu.Lock()
	isAnomaly, z := s.anomaly.Observe(float64(durationMs))
	s.mu.Unlock()
	if isAnomaly && s.events.OnAnomaly != nil {
		s.events.OnAnomaly(task.TaskID, durationMs, z)
	}

	s.unregisterRunning()
}

func (s *Scheduler) unregisterRunning() {
	s.mu.Lock()
	s.running--
	if s.running < 0 {
		s.running = 0
	}
	s.cond.Broadcast()
	s.drainLocked()
	s.mu.Unlock()
}

// adjustConcurrency folds the latest average execution latency into the
// PID controller, blends the result with the resource monitor's
// recommendation, and updates the effective concurrency ceiling.
func (s *Scheduler) adjustConcurrency() {
	avg, _ := s.metrics.GlobalAverage("exec_duration_ms")

	s.mu.Lock()
	newMax := s.pid.Update(avg, s.effectiveMax)
	recommended := s.monitor.GetRecommendedConcurrency(s.cfg.MaxConcurrency)
	if recommended < newMax {
		newMax = recommended
	}
	if newMax < s.cfg.MinConcurrency {
		newMax = s.cfg.MinConcurrency
	}
	if newMax > s.cfg.MaxConcurrency {
		newMax = s.cfg.MaxConcurrency
	}
	changed := newMax != s.effectiveMax
	s.effectiveMax = newMax
	s.drainLocked()
	s.mu.Unlock()

	if changed && s.events.OnConcurrencyChanged != nil {
		s.events.OnConcurrencyChanged(newMax)
	}
}

func (s *Scheduler) recordDecisionLocked(allowed bool, reason string) {
	d := Decision{AtMs: s.clk.Now(), Allowed: allowed, Reason: reason}
	s.recentDecisions = append(s.recentDecisions, d)
	if len(s.recentDecisions) > maxRecentDecisions {
		s.recentDecisions = s.recentDecisions[1:]
	}
}

// RecentDecisions returns a copy of the bounded admission decision log.
func (s *Scheduler) RecentDecisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, len(s.recentDecisions))
	copy(out, s.recentDecisions)
	return out
}

// Running reports the current and peak-ever concurrent task counts.
func (s *Scheduler) Running() (current, peak, effectiveMax int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.peakRunning, s.effectiveMax
}

// ErrShutdownTimedOut is returned by Shutdown when running tasks did not
// drain within cfg.ShutdownTimeoutMs.
var ErrShutdownTimedOut = fmt.Errorf("execsched: shutdown timed out waiting for running tasks to drain")

// Shutdown pauses admission, waits up to cfg.ShutdownTimeoutMs for running
// tasks to drain, then runs registered shutdown hooks LIFO and stops the
// metrics collector's flush loop. Hooks always run, even on timeout.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.paused = true
	s.deadlineHit = false

	if s.cfg.ShutdownTimeoutMs > 0 {
		s.w.ScheduleTimeout(s.deadlineID, s.cfg.ShutdownTimeoutMs, func() {
			s.mu.Lock()
			s.deadlineHit = true
			s.cond.Broadcast()
			s.mu.Unlock()
		})
	} else {
		s.deadlineHit = true
	}

	for s.running > 0 && !s.deadlineHit {
		if ctx.Err() != nil {
			break
		}
		s.cond.Wait()
	}
	drained := s.running == 0
	s.w.CancelTimeout(s.deadlineID)
	hooks := make([]ShutdownHook, len(s.shutdownHooks))
	copy(hooks, s.shutdownHooks)
	s.mu.Unlock()

	var firstErr error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.metrics.Stop()
	s.w.CancelInterval(s.agingTimerID)
	s.w.CancelInterval(s.pidTimerID)

	if !drained {
		if firstErr == nil {
			firstErr = ErrShutdownTimedOut
		}
	}
	return firstErr
}
