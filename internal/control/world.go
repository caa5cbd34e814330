// Package control assembles every subsystem package into one explicit
// "world" object: a single constructor wires Clock, Timing Wheel, Durable
// Store, Priority Queue, Circuit Breaker, Resource Monitor, Exec Scheduler,
// Policy Engine, Approval Workflow, Process Runner, Audit Log, Heartbeat
// Scheduler, and Rate-Limited Retry together, instead of reaching for
// module-level singletons. Tests and cmd/openclawd both build their own
// World so nothing is shared across processes or test cases.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/internal/approval"
	"github.com/openclaw/core/internal/audit"
	"github.com/openclaw/core/internal/breaker"
	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/execsched"
	"github.com/openclaw/core/internal/heartbeat"
	"github.com/openclaw/core/internal/policy"
	"github.com/openclaw/core/internal/procrunner"
	"github.com/openclaw/core/internal/queue"
	"github.com/openclaw/core/internal/resource"
	"github.com/openclaw/core/internal/retry"
	"github.com/openclaw/core/internal/store"
	"github.com/openclaw/core/internal/wheel"
	"github.com/openclaw/core/pkg/config"
	"github.com/openclaw/core/pkg/logger"
)

// World is the explicit dependency graph for one running instance of the
// control plane. Nothing here is a package-level singleton.
type World struct {
	Clock  clock.Clock
	Wheel  *wheel.Wheel
	Store  *store.Store
	Log    *logger.Logger

	Queue     *queue.Queue
	Breaker   *breaker.Breaker
	Resource  *resource.Monitor
	Metrics   *execsched.Collector
	ExecSched *execsched.Scheduler

	Policy   *policy.Engine
	Approval *approval.Workflow
	Runner   *procrunner.Runner
	Audit    *audit.Logger
	Limiter  *retry.Limiter

	Heartbeat *heartbeat.Scheduler
}

// Gateway is supplied by the caller; it is the user-facing surface that
// resolves pending approvals. cmd/openclawd wires a real one (chat/CLI
// prompt); tests wire a scripted fake.
type Gateway = approval.Gateway

// Options carries the caller-supplied collaborators that SPEC_FULL.md
// treats as external: the execution callback driving each agent's
// heartbeat tick, the approval gateway, and the two system event sinks
// (the approval workflow and the heartbeat scheduler emit notices with
// different shapes — one is agent-scoped, the other is not — so they are
// kept as distinct narrow interfaces rather than forced into one).
type Options struct {
	Execute          heartbeat.ExecuteFunc
	Gateway          Gateway
	ApprovalEvents   approval.SystemEventSink
	HeartbeatEvents  heartbeat.SystemEventSink
}

// New builds a fully wired World from cfg, sharing clk and a single Wheel
// across every subsystem as spec.md §5 requires (one timing wheel
// servicing all time-based dispatch).
func New(ctx context.Context, cfg *config.Config, clk clock.Clock, log *logger.Logger, opts Options) (*World, error) {
	st, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	}, clk)
	if err != nil {
		return nil, fmt.Errorf("control: open store: %w", err)
	}

	w := wheel.New(clk, 0)

	q := queue.New(queue.Config{
		GlobalCap:        cfg.Exec.Queue.GlobalCap,
		PerPriorityCap:   cfg.Exec.Queue.PerPriorityCap,
		AgingThresholdMs: cfg.Exec.Queue.AgingThresholdMs,
		MaxWaitTimeMs:    cfg.Exec.Queue.MaxWaitTimeMs,
		RejectionPolicy:  queue.RejectionPolicy(cfg.Exec.Queue.RejectionPolicy),
	}, clk, w, queue.Events{
		OnRejected: func(taskID, reason string) {
			log.WithField("task_id", taskID).WithField("reason", reason).Warn("queue: task rejected")
		},
	})

	brk := breaker.New(breaker.Config{
		WindowMs:           cfg.Exec.Breaker.WindowMs,
		MinAttempts:        cfg.Exec.Breaker.MinAttempts,
		ErrorRateThreshold: cfg.Exec.Breaker.ErrorRateThreshold,
		ResetTimeoutMs:     cfg.Exec.Breaker.ResetTimeoutMs,
		MaxBackoffMs:       cfg.Exec.Breaker.MaxBackoffMs,
		HalfOpenMax:        cfg.Exec.Breaker.HalfOpenMax,
	}, clk)

	monitor := resource.New(resource.DefaultConfig(), clk)
	monitor.Start(ctx)

	metrics := execsched.NewCollector(execsched.CollectorConfig{
		MaxCardinality: cfg.Exec.MetricsMaxCardinality,
		FlushIntervalMs: cfg.Exec.MetricsFlushMs,
	}, clk)
	metrics.Start(w)

	execCfg := execsched.DefaultConfig()
	execCfg.ShutdownTimeoutMs = cfg.Exec.ShutdownTimeoutMs
	execCfg.MetricsMaxCardinality = cfg.Exec.MetricsMaxCardinality
	execCfg.MetricsFlushMs = cfg.Exec.MetricsFlushMs
	if cfg.Exec.MaxConcurrent > 0 {
		execCfg.MaxConcurrency = cfg.Exec.MaxConcurrent
	}
	sched := execsched.New(execCfg, clk, w, q, brk, monitor, metrics, execsched.Events{
		OnAnomaly: func(taskID string, durationMs int64, z float64) {
			log.WithField("task_id", taskID).WithField("duration_ms", durationMs).Warn("execsched: anomalous duration")
		},
	})
	sched.Start()

	allowlist := policy.NewStoreAllowlist(st, clk)
	safeBins := policy.NewSafeBinRegistry()
	engine := policy.NewEngine(policy.Config{
		DefaultHost:     policy.Host(cfg.Policy.DefaultHost),
		DefaultSecurity: policy.Security(cfg.Policy.DefaultSecurity),
		DefaultAsk:      policy.Ask(cfg.Policy.DefaultAsk),
		AllowedHosts:    cfg.Policy.AllowedHosts,
		DeniedHosts:     cfg.Policy.DeniedHosts,
		AskFallback:     policy.Ask(cfg.Policy.AskFallback),
	}, allowlist, safeBins, policy.DefaultPathResolver)

	approvalEvents := opts.ApprovalEvents
	if approvalEvents == nil {
		approvalEvents = noopApprovalEvents{}
	}
	heartbeatEvents := opts.HeartbeatEvents
	if heartbeatEvents == nil {
		heartbeatEvents = noopHeartbeatEvents{}
	}

	wf := approval.New(approval.Config{
		TimeoutMs:       cfg.Policy.ApprovalTimeoutMs,
		AskFallback:     policy.Ask(cfg.Policy.AskFallback),
		RunningNoticeMs: cfg.Policy.ApprovalRunningNoticeMs,
	}, clk, w, opts.Gateway, approvalEvents, engine)

	auditCfg, err := auditConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(auditCfg, clk)
	if err != nil {
		return nil, fmt.Errorf("control: open audit log: %w", err)
	}

	runner := procrunner.New(clk, w)

	limiter := retry.NewLimiter(retry.DefaultBucketConfig())

	execFn := opts.Execute
	if execFn == nil {
		execFn = noopExecute
	}
	hbCfg := heartbeat.Config{
		ImminentWindowMs:    cfg.Heartbeat.ImminentWindowMs,
		MaxRetries:          cfg.Heartbeat.MaxRetries,
		InitialRetryDelayMs: cfg.Heartbeat.InitialRetryDelayMs,
		MaxRetryDelayMs:     cfg.Heartbeat.MaxRetryDelayMs,
	}
	hb := heartbeat.New(hbCfg, clk, w, st, execFn, heartbeat.Events{
		OnGiveUp: func(scheduleID string, consecutiveFailures int) {
			log.WithField("schedule_id", scheduleID).WithField("failures", consecutiveFailures).Error("heartbeat: giving up after repeated failures")
		},
	}, heartbeatEvents, nil)

	return &World{
		Clock:     clk,
		Wheel:     w,
		Store:     st,
		Log:       log,
		Queue:     q,
		Breaker:   brk,
		Resource:  monitor,
		Metrics:   metrics,
		ExecSched: sched,
		Policy:    engine,
		Approval:  wf,
		Runner:    runner,
		Audit:     auditLog,
		Limiter:   limiter,
		Heartbeat: hb,
	}, nil
}

func auditConfigFrom(cfg *config.Config) (audit.Config, error) {
	dir := cfg.Audit.Path
	if dir == "" {
		return audit.Config{MaxBytes: cfg.Audit.RotateBytes}, nil
	}
	return audit.Config{Dir: dirOf(dir), MaxBytes: cfg.Audit.RotateBytes}, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func noopExecute(req heartbeat.ExecuteRequest) heartbeat.ExecuteResult {
	return heartbeat.ExecuteResult{Status: heartbeat.StatusSkipped, Message: "no execution callback wired"}
}

type noopApprovalEvents struct{}

func (noopApprovalEvents) Emit(message string) {}

type noopHeartbeatEvents struct{}

func (noopHeartbeatEvents) Emit(agentID, message string) {}

// Close tears the world down in reverse dependency order. Shutdown of the
// exec scheduler is the caller's responsibility (it needs a deadline
// context), so it is not repeated here.
func (wd *World) Close() error {
	wd.Resource.Stop()
	wd.Metrics.Stop()
	if err := wd.Audit.Close(); err != nil {
		return fmt.Errorf("control: close audit log: %w", err)
	}
	if err := wd.Store.Close(); err != nil {
		return fmt.Errorf("control: close store: %w", err)
	}
	return nil
}

// NewApprovalID returns a fresh id for a pending approval request,
// matching the reference service's use of github.com/google/uuid for
// every other generated identifier (run_id, audit id).
func NewApprovalID() string { return uuid.NewString() }
