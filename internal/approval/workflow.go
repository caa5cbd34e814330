package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/policy"
	"github.com/openclaw/core/internal/wheel"
)

// Config configures a Workflow.
type Config struct {
	TimeoutMs        int64
	AskFallback      policy.Ask
	RunningNoticeMs  int64
}

func (c Config) withDefaults() Config {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	return c
}

// Workflow gates ask-required exec requests behind a gateway decision,
// bounded by a timing-wheel timeout and an askFallback policy.
type Workflow struct {
	cfg     Config
	clk     clock.Clock
	w       *wheel.Wheel
	gateway Gateway
	sink    SystemEventSink
	engine  *policy.Engine

	mu       sync.Mutex
	pendings map[string]*pending
}

// New constructs a Workflow. engine is used to persist allowlist entries
// on allow-always decisions.
func New(cfg Config, clk clock.Clock, w *wheel.Wheel, gateway Gateway, sink SystemEventSink, engine *policy.Engine) *Workflow {
	return &Workflow{
		cfg:      cfg.withDefaults(),
		clk:      clk,
		w:        w,
		gateway:  gateway,
		sink:     sink,
		engine:   engine,
		pendings: make(map[string]*pending),
	}
}

// Start registers a new pending approval, dispatches it to the gateway,
// and arms the timeout timer. It returns the provisional fields the exec
// caller surfaces as an approval-pending result; the actual decision
// arrives later via Await.
func (wf *Workflow) Start(req Request, allSatisfied bool, segments []policy.SegmentAnalysis) (approvalID string, expiresAtMs int64) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = wf.cfg.TimeoutMs
	}
	expiresAtMs = wf.clk.Now() + req.TimeoutMs

	p := &pending{req: req, segments: segments, resultCh: make(chan Outcome, 1)}

	wf.mu.Lock()
	wf.pendings[req.ID] = p
	wf.mu.Unlock()

	wf.gateway.Send(req)

	timeoutID := "approval-" + req.ID
	wf.w.ScheduleTimeout(timeoutID, req.TimeoutMs, func() {
		wf.applyTimeout(req.ID, allSatisfied)
	})

	return req.ID, expiresAtMs
}

// Await blocks until approvalID resolves, by decision or by timeout
// fallback, and returns the final outcome. ctx cancellation does not
// cancel the approval itself — the wheel timeout still fires and clears
// it — but lets the caller stop waiting early.
func (wf *Workflow) Await(ctx context.Context, approvalID string) (Outcome, error) {
	wf.mu.Lock()
	p, ok := wf.pendings[approvalID]
	wf.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("approval: unknown id %q", approvalID)
	}

	select {
	case out := <-p.resultCh:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Resolve applies a gateway decision to a pending approval. Calling it on
// an already-resolved or unknown id is a no-op.
func (wf *Workflow) Resolve(ctx context.Context, approvalID string, decision Decision) {
	wf.mu.Lock()
	p, ok := wf.pendings[approvalID]
	if ok {
		if p.resolved {
			wf.mu.Unlock()
			return
		}
		p.resolved = true
		delete(wf.pendings, approvalID)
	}
	wf.mu.Unlock()
	if !ok {
		return
	}
	wf.w.CancelTimeout("approval-" + approvalID)

	out := wf.outcomeForDecision(ctx, p, decision)
	p.resultCh <- out
}

func (wf *Workflow) outcomeForDecision(ctx context.Context, p *pending, decision Decision) Outcome {
	switch decision {
	case DecisionAllowOnce:
		return Outcome{ApprovalID: p.req.ID, Allowed: true, Decision: decision}
	case DecisionAllowAlways:
		if wf.engine != nil {
			_ = wf.engine.PersistAllowlistEntries(ctx, p.req.AgentID, p.segments)
		}
		return Outcome{ApprovalID: p.req.ID, Allowed: true, Decision: decision}
	case DecisionDeny:
		if wf.sink != nil {
			wf.sink.Emit(fmt.Sprintf("Exec denied (%s, user-denied): %s", p.req.ID, p.req.Command))
		}
		return Outcome{ApprovalID: p.req.ID, Allowed: false, Decision: decision, Reason: "user-denied"}
	default:
		if wf.sink != nil {
			wf.sink.Emit(fmt.Sprintf("Exec denied (%s, unknown-decision): %s", p.req.ID, p.req.Command))
		}
		return Outcome{ApprovalID: p.req.ID, Allowed: false, Reason: "unknown-decision"}
	}
}

// applyTimeout fires when a pending approval's wheel timer expires
// without a gateway decision. It applies askFallback: full auto-allows,
// allowlist allows only if the original analysis was already satisfied,
// off always denies.
func (wf *Workflow) applyTimeout(approvalID string, allSatisfied bool) {
	wf.mu.Lock()
	p, ok := wf.pendings[approvalID]
	if ok {
		if p.resolved {
			wf.mu.Unlock()
			return
		}
		p.resolved = true
		delete(wf.pendings, approvalID)
	}
	wf.mu.Unlock()
	if !ok {
		return
	}

	var out Outcome
	switch wf.cfg.AskFallback {
	case "full":
		out = Outcome{ApprovalID: p.req.ID, Allowed: true}
	case "allowlist":
		if allSatisfied {
			out = Outcome{ApprovalID: p.req.ID, Allowed: true}
		} else {
			out = Outcome{ApprovalID: p.req.ID, Allowed: false, Reason: "approval-timeout (allowlist-miss)"}
		}
	default: // "off" or unset
		out = Outcome{ApprovalID: p.req.ID, Allowed: false, Reason: "approval-timeout"}
	}

	if !out.Allowed && wf.sink != nil {
		wf.sink.Emit(fmt.Sprintf("Exec denied (%s, %s): %s", p.req.ID, out.Reason, p.req.Command))
	}

	p.resultCh <- out
}

// NotifyRunning arms a one-shot wheel timer that, unless cancelled first,
// emits a "still running" system event after RunningNoticeMs. Callers
// should invoke the returned cancel func once execution completes.
func (wf *Workflow) NotifyRunning(approvalID, sessionKey, command string) (cancel func()) {
	if wf.cfg.RunningNoticeMs <= 0 || wf.sink == nil {
		return func() {}
	}
	id := "approval-running-" + approvalID
	wf.w.ScheduleTimeout(id, wf.cfg.RunningNoticeMs, func() {
		wf.sink.Emit(fmt.Sprintf("Exec running (%s, session=%s, >%ds): %s", approvalID, sessionKey, wf.cfg.RunningNoticeMs/1000, command))
	})
	return func() { wf.w.CancelTimeout(id) }
}

// NotifyCompletion emits the final outcome system event, with tail
// normalized to a single line for readability.
func (wf *Workflow) NotifyCompletion(approvalID, command string, success bool, exitDescr, tail string) {
	if wf.sink == nil {
		return
	}
	status := "completed"
	if !success {
		status = "failed"
	}
	wf.sink.Emit(fmt.Sprintf("Exec %s (%s, %s): %s :: %s", status, approvalID, exitDescr, command, normalizeTail(tail)))
}

func normalizeTail(tail string) string {
	out := make([]byte, 0, len(tail))
	for i := 0; i < len(tail); i++ {
		switch tail[i] {
		case '\n', '\r':
			out = append(out, ' ')
		default:
			out = append(out, tail[i])
		}
	}
	return string(out)
}
