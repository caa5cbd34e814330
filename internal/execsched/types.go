package execsched

// Config bounds the scheduler's admission control, adaptive concurrency
// loop, and graceful shutdown behavior.
type Config struct {
	MinConcurrency      int
	MaxConcurrency      int
	LatencyTargetMs     float64
	ShutdownTimeoutMs   int64
	AgingSweepMs        int64
	AdaptiveIntervalMs  int64
	AnomalyAlpha        float64
	AnomalySigma        float64
	MetricsFlushMs      int64
	MetricsMaxCardinality int
}

// DefaultConfig returns reasonable single-node defaults.
func DefaultConfig() Config {
	return Config{
		MinConcurrency:        1,
		MaxConcurrency:        8,
		LatencyTargetMs:       500,
		ShutdownTimeoutMs:     30000,
		AgingSweepMs:          5000,
		AdaptiveIntervalMs:    10000,
		AnomalyAlpha:          0.2,
		AnomalySigma:          3.0,
		MetricsFlushMs:        15000,
		MetricsMaxCardinality: 50,
	}
}

// Decision is one admission outcome, retained in a bounded ring buffer for
// diagnostics.
type Decision struct {
	AtMs    int64
	Allowed bool
	Reason  string
}

// ShutdownHook runs during graceful shutdown, LIFO by registration order.
type ShutdownHook func() error

// Events are fired synchronously; handlers must not call back into the
// scheduler. Any nil field is simply not invoked.
type Events struct {
	OnAdmitted           func(taskID string)
	OnDenied             func(taskID, reason string)
	OnAnomaly            func(taskID string, durationMs int64, zScore float64)
	OnConcurrencyChanged func(newMax int)
}

const maxRecentDecisions = 200
