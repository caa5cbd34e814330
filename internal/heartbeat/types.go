// Package heartbeat drives per-agent periodic execution: registering,
// pausing, resuming, and triggering schedules kept in the durable store,
// dispatched by a single timing wheel and protected by a per-schedule
// in-flight guard so a schedule never runs two executions concurrently.
package heartbeat

import (
	"encoding/json"
)

// ActiveHours restricts execution to a daily window in a named timezone.
// Evaluation of the window itself is delegated to cronActiveHours, grounded
// on robfig/cron's schedule parser.
type ActiveHours struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
	TZ    string `json:"tz"`
}

func (a ActiveHours) marshal() string {
	if a.Start == "" && a.End == "" {
		return ""
	}
	b, _ := json.Marshal(a)
	return string(b)
}

func unmarshalActiveHours(s string) (ActiveHours, bool) {
	if s == "" {
		return ActiveHours{}, false
	}
	var a ActiveHours
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return ActiveHours{}, false
	}
	return a, true
}

// Visibility controls which surfaces see this agent's heartbeat activity.
type Visibility struct {
	ShowInDashboard bool `json:"show_in_dashboard"`
	ShowInLogs      bool `json:"show_in_logs"`
	NotifyOnFailure bool `json:"notify_on_failure"`
}

func (v Visibility) marshal() string {
	b, _ := json.Marshal(v)
	return string(b)
}

// RegisterRequest is the input to RegisterAgent.
type RegisterRequest struct {
	AgentID     string
	IntervalMs  int64
	ActiveHours *ActiveHours
	Visibility  Visibility
}

// ExecuteRequest is handed to the user-supplied execution callback.
type ExecuteRequest struct {
	AgentID    string
	ScheduleID string
	Reason     string
}

// ExecuteStatus is the outcome status of one heartbeat run.
type ExecuteStatus string

const (
	StatusOK      ExecuteStatus = "ok"
	StatusError   ExecuteStatus = "error"
	StatusSkipped ExecuteStatus = "skipped"
)

// ExecuteResult is what the execution callback returns.
type ExecuteResult struct {
	Status     ExecuteStatus
	DurationMs int64
	Message    string
	Channel    string
	AccountID  string
	Err        error
}

// ExecuteFunc is the user-supplied per-agent execution callback. A nil
// ExecuteFunc causes every run to record StatusOK with no side effects.
type ExecuteFunc func(req ExecuteRequest) ExecuteResult

// Config bounds retry behavior and hydration cadence.
type Config struct {
	ImminentWindowMs    int64
	MaxRetries          int
	InitialRetryDelayMs int64
	MaxRetryDelayMs     int64
	// HydrationIntervalMs defaults to min(ImminentWindowMs/2, 60000) when zero.
	HydrationIntervalMs int64
	ShutdownTimeoutMs   int64
}

func (c Config) withDefaults() Config {
	if c.ImminentWindowMs <= 0 {
		c.ImminentWindowMs = 30_000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialRetryDelayMs <= 0 {
		c.InitialRetryDelayMs = 5_000
	}
	if c.MaxRetryDelayMs <= 0 {
		c.MaxRetryDelayMs = 300_000
	}
	if c.HydrationIntervalMs <= 0 {
		c.HydrationIntervalMs = c.ImminentWindowMs / 2
		if c.HydrationIntervalMs > 60_000 {
			c.HydrationIntervalMs = 60_000
		}
		if c.HydrationIntervalMs <= 0 {
			c.HydrationIntervalMs = 60_000
		}
	}
	if c.ShutdownTimeoutMs <= 0 {
		c.ShutdownTimeoutMs = 5_000
	}
	return c
}
