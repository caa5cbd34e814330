package store

// Schedule is a per-agent heartbeat schedule. Exactly one exists per
// agent_id; schedule_id is always "heartbeat-" + agent_id.
type Schedule struct {
	ScheduleID   string `db:"schedule_id"`
	AgentID      string `db:"agent_id"`
	State        string `db:"state"` // active, paused, disabled
	IntervalMs   int64  `db:"interval_ms"`
	NextRunAtMs  int64  `db:"next_run_at_ms"`
	ActiveHours  string `db:"active_hours"` // JSON-encoded {start,end,tz} or empty
	Visibility   string `db:"visibility"`   // JSON-encoded 3 booleans
	CreatedAtMs  int64  `db:"created_at_ms"`
}

// Run is an append-only record of one heartbeat execution.
type Run struct {
	RunID         string  `db:"run_id"`
	ScheduleID    string  `db:"schedule_id"`
	AgentID       string  `db:"agent_id"`
	Status        string  `db:"status"` // ok, error, skipped
	StartedAtMs   int64   `db:"started_at_ms"`
	CompletedAtMs int64   `db:"completed_at_ms"`
	DurationMs    int64   `db:"duration_ms"`
	Message       *string `db:"message"`
	Channel       *string `db:"channel"`
	AccountID     *string `db:"account_id"`
	Error         *string `db:"error"`
}

// Signal is a transient instruction consumed at most once by the
// scheduler at its next execution point.
type Signal struct {
	SignalID     string  `db:"signal_id"`
	ScheduleID   string  `db:"schedule_id"`
	Kind         string  `db:"kind"` // pause, runNow
	Reason       *string `db:"reason"`
	EnqueuedAtMs int64   `db:"enqueued_at_ms"`
	Processed    bool    `db:"processed"`
}

// HeartbeatState is a derived aggregate, rebuildable from Run history.
type HeartbeatState struct {
	ScheduleID          string `db:"schedule_id"`
	LastStatus          string `db:"last_status"`
	ConsecutiveFailures int    `db:"consecutive_failures"`
	LastRunAtMs         int64  `db:"last_run_at_ms"`
}

// AllowlistEntry is a per-agent remembered approval.
type AllowlistEntry struct {
	AgentID      string `db:"agent_id"`
	Pattern      string `db:"pattern"`
	AddedAtMs    int64  `db:"added_at_ms"`
	LastUsedAtMs *int64 `db:"last_used_at_ms"`
	UseCount     int64  `db:"use_count"`
}

// Analytics summarizes Run history for a schedule over a lookback window.
type Analytics struct {
	AgentID     string  `json:"agent_id"`
	Window      string  `json:"window"`
	TotalRuns   int64   `json:"total_runs"`
	OkRuns      int64   `json:"ok_runs"`
	ErrorRuns   int64   `json:"error_runs"`
	SkippedRuns int64   `json:"skipped_runs"`
	AvgDuration float64 `json:"avg_duration_ms"`
}
