package heartbeat

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/store"
	"github.com/openclaw/core/internal/wheel"
	ctlerrors "github.com/openclaw/core/pkg/errors"
)

const hydrationTimerID = "heartbeat-hydration"

// Store is the narrow slice of the durable store the scheduler needs.
// Satisfied by *store.Store; defined here so this package depends on an
// interface rather than the concrete store implementation.
type Store interface {
	CreateSchedule(ctx context.Context, sch store.Schedule) error
	UpdateScheduleConfig(ctx context.Context, scheduleID string, intervalMs, nextRunAtMs int64, activeHours, visibility string) error
	UpdateScheduleNextRun(ctx context.Context, scheduleID string, nextRunAtMs int64) error
	SetScheduleState(ctx context.Context, scheduleID, state string) error
	GetSchedule(ctx context.Context, agentID string) (*store.Schedule, error)
	GetDueSchedules(ctx context.Context, windowMs int64) ([]*store.Schedule, error)
	RecordRun(ctx context.Context, run store.Run) error
	AddSignal(ctx context.Context, sig store.Signal) error
	GetPendingSignals(ctx context.Context, scheduleID string) ([]*store.Signal, error)
	MarkSignalsProcessed(ctx context.Context, scheduleID string) error
	GetState(ctx context.Context, agentID string) (*store.HeartbeatState, error)
}

// SystemEventSink receives human-readable notices the scheduler emits for
// an agent, e.g. on NotifyOnFailure visibility.
type SystemEventSink interface {
	Emit(agentID, message string)
}

// Events are fired synchronously from the execution goroutine; handlers
// must not block or call back into the scheduler. Any nil field is
// simply not invoked.
type Events struct {
	OnRun            func(run store.Run)
	OnRetryScheduled func(scheduleID string, attempt int, delayMs int64)
	OnGiveUp         func(scheduleID string, consecutiveFailures int)
}

// Scheduler drives per-agent heartbeat execution. At most one execution
// per schedule_id is ever in flight; a firing that lands while the prior
// one is still running is dropped.
type Scheduler struct {
	cfg    Config
	clk    clock.Clock
	w      *wheel.Wheel
	st     Store
	exec   ExecuteFunc
	events Events
	sink   SystemEventSink
	closer io.Closer

	mu               sync.Mutex
	running          bool
	activeExecutions map[string]bool
	wg               sync.WaitGroup
}

// New constructs a Scheduler. exec may be nil, in which case every run
// records StatusOK with no side effects. closer, if non-nil, is closed
// during Stop once in-flight executions have drained or the shutdown
// deadline has elapsed.
func New(cfg Config, clk clock.Clock, w *wheel.Wheel, st Store, exec ExecuteFunc, events Events, sink SystemEventSink, closer io.Closer) *Scheduler {
	return &Scheduler{
		cfg:              cfg.withDefaults(),
		clk:              clk,
		w:                w,
		st:               st,
		exec:             exec,
		events:           events,
		sink:             sink,
		closer:           closer,
		activeExecutions: make(map[string]bool),
	}
}

func scheduleID(agentID string) string { return "heartbeat-" + agentID }

// RegisterAgent upserts the Schedule for an agent and, if its next run
// falls within the imminent window, arms a wheel timer for it.
func (s *Scheduler) RegisterAgent(ctx context.Context, req RegisterRequest) error {
	id := scheduleID(req.AgentID)
	now := s.clk.Now()
	nextRun := now + req.IntervalMs

	var activeHours string
	if req.ActiveHours != nil {
		activeHours = req.ActiveHours.marshal()
	}
	visibility := req.Visibility.marshal()

	existing, err := s.st.GetSchedule(ctx, req.AgentID)
	if err != nil && err != ctlerrors.ErrNotFound {
		return fmt.Errorf("heartbeat: register agent %s: %w", req.AgentID, err)
	}
	if existing == nil {
		sch := store.Schedule{
			ScheduleID:  id,
			AgentID:     req.AgentID,
			State:       "active",
			IntervalMs:  req.IntervalMs,
			NextRunAtMs: nextRun,
			ActiveHours: activeHours,
			Visibility:  visibility,
			CreatedAtMs: now,
		}
		if err := s.st.CreateSchedule(ctx, sch); err != nil {
			return fmt.Errorf("heartbeat: create schedule for %s: %w", req.AgentID, err)
		}
	} else {
		if err := s.st.UpdateScheduleConfig(ctx, id, req.IntervalMs, nextRun, activeHours, visibility); err != nil {
			return fmt.Errorf("heartbeat: update schedule for %s: %w", req.AgentID, err)
		}
	}

	if nextRun-now <= s.cfg.ImminentWindowMs {
		s.arm(id, req.AgentID, nextRun-now, "initial")
	}
	return nil
}

// TriggerNow writes a runNow signal and arms an immediate wheel entry.
func (s *Scheduler) TriggerNow(ctx context.Context, agentID, reason string) error {
	id := scheduleID(agentID)
	sig := store.Signal{
		SignalID:     uuid.NewString(),
		ScheduleID:   id,
		Kind:         "runNow",
		EnqueuedAtMs: s.clk.Now(),
	}
	if reason != "" {
		sig.Reason = &reason
	}
	if err := s.st.AddSignal(ctx, sig); err != nil {
		return fmt.Errorf("heartbeat: trigger now for %s: %w", agentID, err)
	}
	s.arm(id, agentID, 0, reason)
	return nil
}

// Pause writes a pause signal and cancels the schedule's pending wheel
// entry. The actual state transition happens the next time the schedule
// executes and drains the signal, per the spec's signal-consumption rule.
func (s *Scheduler) Pause(ctx context.Context, agentID, reason string) error {
	id := scheduleID(agentID)
	sig := store.Signal{
		SignalID:     uuid.NewString(),
		ScheduleID:   id,
		Kind:         "pause",
		EnqueuedAtMs: s.clk.Now(),
	}
	if reason != "" {
		sig.Reason = &reason
	}
	if err := s.st.AddSignal(ctx, sig); err != nil {
		return fmt.Errorf("heartbeat: pause %s: %w", agentID, err)
	}
	s.w.CancelTimeout(id)
	return nil
}

// Resume sets the schedule active again and recomputes its next run.
func (s *Scheduler) Resume(ctx context.Context, agentID string) error {
	id := scheduleID(agentID)
	if err := s.st.SetScheduleState(ctx, id, "active"); err != nil {
		return fmt.Errorf("heartbeat: resume %s: %w", agentID, err)
	}
	sch, err := s.st.GetSchedule(ctx, agentID)
	if err != nil {
		return fmt.Errorf("heartbeat: resume %s: %w", agentID, err)
	}
	now := s.clk.Now()
	next := now + sch.IntervalMs
	if err := s.st.UpdateScheduleNextRun(ctx, id, next); err != nil {
		return fmt.Errorf("heartbeat: resume %s: %w", agentID, err)
	}
	if next-now <= s.cfg.ImminentWindowMs {
		s.arm(id, agentID, next-now, "resume")
	}
	return nil
}

// UnregisterAgent disables the schedule and cancels any pending timer.
func (s *Scheduler) UnregisterAgent(ctx context.Context, agentID string) error {
	id := scheduleID(agentID)
	if err := s.st.SetScheduleState(ctx, id, "disabled"); err != nil {
		return fmt.Errorf("heartbeat: unregister %s: %w", agentID, err)
	}
	s.w.CancelTimeout(id)
	return nil
}

// Start begins the timing wheel hydration cycle: an initial sweep of due
// schedules, then a periodic re-hydration every cfg.HydrationIntervalMs
// that is idempotent against schedules already resident in the wheel.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.hydrate(ctx); err != nil {
		return fmt.Errorf("heartbeat: initial hydration: %w", err)
	}

	s.w.ScheduleInterval(hydrationTimerID, s.cfg.HydrationIntervalMs, func() {
		_ = s.hydrate(context.Background())
	})
	return nil
}

func (s *Scheduler) hydrate(ctx context.Context) error {
	due, err := s.st.GetDueSchedules(ctx, s.cfg.ImminentWindowMs)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	for _, sch := range due {
		if s.w.HasTimer(sch.ScheduleID) {
			continue
		}
		delay := sch.NextRunAtMs - now
		if delay < 0 {
			delay = 0
		}
		s.arm(sch.ScheduleID, sch.AgentID, delay, "scheduled")
	}
	return nil
}

func (s *Scheduler) arm(id, agentID string, delayMs int64, reason string) {
	s.w.ScheduleTimeout(id, delayMs, func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(id, agentID, reason)
		}()
	})
}

// execute is the per-schedule execution procedure (§4.12). Concurrency is
// forbidden per schedule_id: a firing that lands while a prior execution
// for the same schedule is still running is dropped on the floor.
func (s *Scheduler) execute(id, agentID, reason string) {
	s.mu.Lock()
	if s.activeExecutions[id] {
		s.mu.Unlock()
		return
	}
	s.activeExecutions[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.activeExecutions, id)
		s.mu.Unlock()
	}()

	ctx := context.Background()

	sch, err := s.st.GetSchedule(ctx, agentID)
	if err != nil || sch == nil || sch.State != "active" {
		return
	}

	reason, paused := s.drainSignals(ctx, id, reason)
	if paused {
		return
	}

	if ah, ok := unmarshalActiveHours(sch.ActiveHours); ok {
		within, err := withinActiveHours(ah, s.clk.Now())
		if err == nil && !within {
			s.recordSkippedRun(ctx, sch, id, agentID)
			return
		}
	}

	startedAt := s.clk.Now()
	result := s.invoke(agentID, id, reason)
	completedAt := s.clk.Now()
	if result.DurationMs == 0 {
		result.DurationMs = completedAt - startedAt
	}

	run := store.Run{
		RunID:         uuid.NewString(),
		ScheduleID:    id,
		AgentID:       agentID,
		Status:        string(result.Status),
		StartedAtMs:   startedAt,
		CompletedAtMs: completedAt,
		DurationMs:    result.DurationMs,
	}
	if result.Message != "" {
		run.Message = &result.Message
	}
	if result.Channel != "" {
		run.Channel = &result.Channel
	}
	if result.AccountID != "" {
		run.AccountID = &result.AccountID
	}
	if result.Err != nil {
		errStr := result.Err.Error()
		run.Error = &errStr
		run.Status = string(StatusError)
	}

	if err := s.st.RecordRun(ctx, run); err != nil && s.sink != nil {
		s.sink.Emit(agentID, fmt.Sprintf("heartbeat: failed to record run for %s: %v", agentID, err))
	}
	if s.events.OnRun != nil {
		s.events.OnRun(run)
	}

	if run.Status == string(StatusError) {
		s.handleFailure(ctx, sch, id, agentID)
		return
	}

	next := completedAt + sch.IntervalMs
	_ = s.st.UpdateScheduleNextRun(ctx, id, next)
	if next-completedAt <= s.cfg.ImminentWindowMs {
		s.arm(id, agentID, next-completedAt, "scheduled")
	}
}

// recordSkippedRun records a skipped run for a schedule whose active_hours
// window currently excludes now, then advances next_run_at_ms exactly as
// the success path does — a skip never triggers the retry machinery.
func (s *Scheduler) recordSkippedRun(ctx context.Context, sch *store.Schedule, id, agentID string) {
	now := s.clk.Now()
	msg := "outside active hours"
	run := store.Run{
		RunID:         uuid.NewString(),
		ScheduleID:    id,
		AgentID:       agentID,
		Status:        string(StatusSkipped),
		StartedAtMs:   now,
		CompletedAtMs: now,
		Message:       &msg,
	}
	if err := s.st.RecordRun(ctx, run); err != nil && s.sink != nil {
		s.sink.Emit(agentID, fmt.Sprintf("heartbeat: failed to record skipped run for %s: %v", agentID, err))
	}
	if s.events.OnRun != nil {
		s.events.OnRun(run)
	}

	next := now + sch.IntervalMs
	_ = s.st.UpdateScheduleNextRun(ctx, id, next)
	if next-now <= s.cfg.ImminentWindowMs {
		s.arm(id, agentID, next-now, "scheduled")
	}
}

// drainSignals consumes every pending signal for the schedule. A pause
// signal wins outright (the schedule is parked and this execution is
// abandoned); a runNow signal rewrites reason to "signal:<reason>".
func (s *Scheduler) drainSignals(ctx context.Context, id, reason string) (newReason string, paused bool) {
	sigs, err := s.st.GetPendingSignals(ctx, id)
	if err != nil {
		return reason, false
	}
	for _, sig := range sigs {
		switch sig.Kind {
		case "pause":
			_ = s.st.SetScheduleState(ctx, id, "paused")
			_ = s.st.MarkSignalsProcessed(ctx, id)
			return reason, true
		case "runNow":
			r := "manual"
			if sig.Reason != nil && *sig.Reason != "" {
				r = *sig.Reason
			}
			reason = "signal:" + r
		}
	}
	if len(sigs) > 0 {
		_ = s.st.MarkSignalsProcessed(ctx, id)
	}
	return reason, false
}

// invoke calls the user-supplied execution callback, converting a panic
// into an error run rather than crashing the scheduler goroutine.
func (s *Scheduler) invoke(agentID, id, reason string) (result ExecuteResult) {
	if s.exec == nil {
		return ExecuteResult{Status: StatusOK}
	}
	defer func() {
		if r := recover(); r != nil {
			result = ExecuteResult{Status: StatusError, Err: fmt.Errorf("heartbeat: callback panic: %v", r)}
		}
	}()
	return s.exec(ExecuteRequest{AgentID: agentID, ScheduleID: id, Reason: reason})
}

// handleFailure records the next scheduled run as usual, then decides
// whether to arm a backoff retry or give up until the next normal tick.
// Retry timers use a distinct id per attempt ("<schedule_id>-retry-<n>")
// so a pending retry is never superseded by the normal schedule_id timer
// racing in on the same tick.
func (s *Scheduler) handleFailure(ctx context.Context, sch *store.Schedule, id, agentID string) {
	now := s.clk.Now()
	next := now + sch.IntervalMs
	_ = s.st.UpdateScheduleNextRun(ctx, id, next)

	failures := 1
	if state, err := s.st.GetState(ctx, agentID); err == nil && state != nil && state.ConsecutiveFailures > 0 {
		failures = state.ConsecutiveFailures
	}

	if failures <= s.cfg.MaxRetries {
		delay := backoffDelay(s.cfg.InitialRetryDelayMs, s.cfg.MaxRetryDelayMs, failures)
		retryID := fmt.Sprintf("%s-retry-%d", id, failures)
		s.w.ScheduleTimeout(retryID, delay, func() {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(id, agentID, fmt.Sprintf("retry:%d", failures))
			}()
		})
		if s.events.OnRetryScheduled != nil {
			s.events.OnRetryScheduled(id, failures, delay)
		}
		return
	}
	if s.events.OnGiveUp != nil {
		s.events.OnGiveUp(id, failures)
	}
}

// backoffDelay computes initial * 2^(attempt-1), capped at max.
func backoffDelay(initial, max int64, attempt int) int64 {
	if initial <= 0 {
		return 0
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Stop halts hydration, races in-flight executions against
// cfg.ShutdownTimeoutMs, then closes the durable store.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.w.CancelInterval(hydrationTimerID)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(s.cfg.ShutdownTimeoutMs) * time.Millisecond):
	case <-ctx.Done():
	}

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
