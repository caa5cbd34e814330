package control

import (
	"context"
	"fmt"

	"github.com/openclaw/core/internal/approval"
	"github.com/openclaw/core/internal/audit"
	"github.com/openclaw/core/internal/policy"
	"github.com/openclaw/core/internal/procrunner"
)

// ExecRequest is one shell-exec call submitted through the full pipeline:
// policy evaluation, approval (if prompted), process execution, and an
// audit entry recording the outcome. This ties together the independently
// specified components (§4.8–§4.10) the way the agent runtime's tool
// dispatcher does, without itself being a new [MODULE] — every decision
// is made by the component APIs, this just sequences them.
type ExecRequest struct {
	Command    string
	Cwd        string
	AgentID    string
	SessionKey string
	Host       policy.Host
	Security   policy.Security
	Ask        policy.Ask
	Env        map[string]string
	Elevated   bool
	DryRun     bool
	Variant    procrunner.Variant
	TimeoutSec int64
}

// ExecOutcome is the caller-facing result of ExecuteShell.
type ExecOutcome struct {
	Status       string // "completed" | "denied" | "approval-pending" | "dry-run" | "failed"
	Allowed      bool
	DenialReason string
	ApprovalID   string
	Verdict      string
	RiskIndicators []string
	Suggestions    []string
	Result       *procrunner.Result
}

// ExecuteShell runs req through the policy engine, gates ask-required
// commands behind the approval workflow, spawns the process on an allow,
// and appends exactly one audit entry describing the outcome — matching
// spec.md §8's S4/S5/S6 scenarios: immediate denies never spawn a child
// and are audited as "denied"; allow-always persists an allowlist entry
// before the next identical call skips the prompt; dry-run never
// executes and is audited as "dry-run".
func (wd *World) ExecuteShell(ctx context.Context, req ExecRequest) (ExecOutcome, error) {
	polReq := policy.Request{
		Command:  req.Command,
		Cwd:      req.Cwd,
		AgentID:  req.AgentID,
		Host:     req.Host,
		Security: req.Security,
		Ask:      req.Ask,
		Env:      req.Env,
		Elevated: req.Elevated,
		DryRun:   req.DryRun,
	}
	decision := wd.Policy.Evaluate(ctx, polReq)

	entry := audit.Entry{
		ID:          NewApprovalID(),
		TimestampMs: wd.Clock.Now(),
		Command:     req.Command,
		Cwd:         req.Cwd,
		Host:        string(decision.Resolved.Host),
		Security:    string(decision.Resolved.Security),
		Ask:         string(decision.Resolved.Ask),
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
		Env:         req.Env,
	}

	if req.DryRun {
		entry.Decision = audit.DecisionDryRun
		entry.DenialReason = decision.DenialReason
		if _, err := wd.Audit.Append(ctx, entry); err != nil {
			wd.Log.WithField("err", err).Warn("audit: append failed")
		}
		return ExecOutcome{
			Status:         "dry-run",
			Verdict:        decision.Verdict,
			RiskIndicators: decision.RiskIndicators,
			Suggestions:    decision.Suggestions,
		}, nil
	}

	if !decision.Allow && !decision.Prompt {
		entry.Decision = audit.DecisionDenied
		entry.DenialReason = decision.DenialReason
		if _, err := wd.Audit.Append(ctx, entry); err != nil {
			wd.Log.WithField("err", err).Warn("audit: append failed")
		}
		return ExecOutcome{Status: "denied", DenialReason: decision.DenialReason}, nil
	}

	if decision.Prompt {
		allSatisfied := true
		for _, s := range decision.Segments {
			if !segmentSatisfied(s) {
				allSatisfied = false
			}
		}
		approvalID, _ := wd.Approval.Start(approval.Request{
			Command:      req.Command,
			Cwd:          req.Cwd,
			Host:         decision.Resolved.Host,
			Security:     decision.Resolved.Security,
			Ask:          decision.Resolved.Ask,
			AgentID:      req.AgentID,
			SessionKey:   req.SessionKey,
		}, allSatisfied, decision.Segments)

		outcome, err := wd.Approval.Await(ctx, approvalID)
		if err != nil {
			return ExecOutcome{}, fmt.Errorf("control: await approval: %w", err)
		}

		entry.Approval = &audit.ApprovalOutcome{
			ApprovalID:  outcome.ApprovalID,
			Decision:    string(outcome.Decision),
			DecidedAtMs: wd.Clock.Now(),
		}
		if !outcome.Allowed {
			entry.Decision = audit.DecisionDenied
			entry.DenialReason = outcome.Reason
			if _, err := wd.Audit.Append(ctx, entry); err != nil {
				wd.Log.WithField("err", err).Warn("audit: append failed")
			}
			return ExecOutcome{Status: "denied", DenialReason: outcome.Reason, ApprovalID: approvalID}, nil
		}
	}

	entry.Decision = audit.DecisionAllowed

	result, err := wd.Runner.Run(procrunner.Request{
		Command:    req.Command,
		Cwd:        req.Cwd,
		Env:        req.Env,
		Variant:    req.Variant,
		TimeoutSec: req.TimeoutSec,
	})
	if err != nil {
		return ExecOutcome{}, fmt.Errorf("control: run command: %w", err)
	}

	entry.Execution = &audit.ExecutionOutcome{
		SessionID:  result.SessionID,
		ExitCode:   result.ExitCode,
		ExitSignal: result.ExitSignal,
		DurationMs: result.DurationMs,
	}
	if _, err := wd.Audit.Append(ctx, entry); err != nil {
		wd.Log.WithField("err", err).Warn("audit: append failed")
	}

	return ExecOutcome{Status: "completed", Allowed: true, Result: &result}, nil
}

func segmentSatisfied(s policy.SegmentAnalysis) bool {
	return s.AllowlistSatisfied || s.SafeBinSatisfied
}
