package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/wheel"
)

func newTestQueue(t *testing.T, cfg Config, events Events) (*Queue, *clock.Mock, *wheel.Wheel) {
	t.Helper()
	mc := clock.NewMock()
	w := wheel.New(mc, 10*time.Millisecond)
	t.Cleanup(w.Stop)
	q := New(cfg, mc, w, events)
	return q, mc, w
}

func defaultConfig() Config {
	return Config{
		GlobalCap:        100,
		PerPriorityCap:   10,
		AgingThresholdMs: 30000,
		MaxWaitTimeMs:    120000,
		RejectionPolicy:  PolicyReject,
	}
}

func TestDequeueDrainsStrictPriorityOrder(t *testing.T) {
	q, mc, _ := newTestQueue(t, defaultConfig(), Events{})

	require.True(t, q.Enqueue(Task{TaskID: "low1", Priority: Low, EnqueuedAtMs: mc.Now()}).Success)
	require.True(t, q.Enqueue(Task{TaskID: "normal1", Priority: Normal, EnqueuedAtMs: mc.Now()}).Success)
	require.True(t, q.Enqueue(Task{TaskID: "critical1", Priority: Critical, EnqueuedAtMs: mc.Now()}).Success)
	require.True(t, q.Enqueue(Task{TaskID: "high1", Priority: High, EnqueuedAtMs: mc.Now()}).Success)

	order := []string{}
	for {
		tk, ok := q.Dequeue()
		if !ok {
			break
		}
		order = append(order, tk.TaskID)
	}
	require.Equal(t, []string{"critical1", "high1", "normal1", "low1"}, order)
}

func TestEnqueueRejectsWhenLaneFull(t *testing.T) {
	cfg := defaultConfig()
	cfg.PerPriorityCap = 1
	rejected := []string{}
	q, mc, _ := newTestQueue(t, cfg, Events{OnRejected: func(id, reason string) { rejected = append(rejected, id+":"+reason) }})

	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Normal, EnqueuedAtMs: mc.Now()}).Success)
	res := q.Enqueue(Task{TaskID: "b", Priority: Normal, EnqueuedAtMs: mc.Now()})
	require.False(t, res.Success)
	require.Equal(t, "queue-full", res.Reason)
	require.Equal(t, []string{"b:queue-full"}, rejected)
}

func TestEnqueueDemotesOnOverflow(t *testing.T) {
	cfg := defaultConfig()
	cfg.PerPriorityCap = 1
	cfg.RejectionPolicy = PolicyDemote
	q, mc, _ := newTestQueue(t, cfg, Events{})

	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Normal, EnqueuedAtMs: mc.Now()}).Success)
	require.True(t, q.Enqueue(Task{TaskID: "b", Priority: Normal, EnqueuedAtMs: mc.Now()}).Success)

	stats := q.GetStats()
	require.Equal(t, 1, stats.Normal)
	require.Equal(t, 1, stats.Low)
}

func TestEnqueueDemoteRejectsWhenLowFull(t *testing.T) {
	cfg := defaultConfig()
	cfg.PerPriorityCap = 1
	cfg.RejectionPolicy = PolicyDemote
	q, mc, _ := newTestQueue(t, cfg, Events{})

	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Low, EnqueuedAtMs: mc.Now()}).Success)
	res := q.Enqueue(Task{TaskID: "b", Priority: Low, EnqueuedAtMs: mc.Now()})
	require.False(t, res.Success)
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	cfg := defaultConfig()
	cfg.PerPriorityCap = 1
	cfg.RejectionPolicy = PolicyDropOldest
	dropped := []string{}
	q, mc, _ := newTestQueue(t, cfg, Events{OnDropped: func(id string) { dropped = append(dropped, id) }})

	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Normal, EnqueuedAtMs: mc.Now()}).Success)
	require.True(t, q.Enqueue(Task{TaskID: "b", Priority: Normal, EnqueuedAtMs: mc.Now()}).Success)

	require.Equal(t, []string{"a"}, dropped)
	tk, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "b", tk.TaskID)
}

func TestRemoveIsIdempotentAndClearsTimers(t *testing.T) {
	q, mc, w := newTestQueue(t, defaultConfig(), Events{})
	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Normal, EnqueuedAtMs: mc.Now()}).Success)

	require.True(t, q.Remove("a"))
	require.False(t, q.Remove("a"))
	require.False(t, w.HasTimer(maxWaitTimerID("a")))
	require.Equal(t, 0, q.GetSize())
}

func TestMaxWaitFiresAndCancelsToken(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxWaitTimeMs = 1000
	fired := []string{}
	q, mc, _ := newTestQueue(t, cfg, Events{OnMaxWaitExceeded: func(id string) { fired = append(fired, id) }})

	token := NewCancelToken()
	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Normal, EnqueuedAtMs: mc.Now(), Cancellation: token}).Success)

	mc.Advance(1010 * time.Millisecond)
	require.Equal(t, []string{"a"}, fired)
	require.Equal(t, 0, q.GetSize())
	select {
	case <-token.Done():
	default:
		t.Fatalf("expected cancellation token to fire")
	}
}

func TestAgingBoostsWaitingTasks(t *testing.T) {
	cfg := defaultConfig()
	cfg.AgingThresholdMs = 1000
	aged := []string{}
	q, mc, _ := newTestQueue(t, cfg, Events{OnAged: func(id string, from, to Priority) {
		aged = append(aged, id)
	}})

	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Low, EnqueuedAtMs: mc.Now()}).Success)

	mc.Advance(1000 * time.Millisecond)
	q.SweepAging(mc.Now())
	require.Equal(t, []string{"a"}, aged)

	stats := q.GetStats()
	require.Equal(t, 1, stats.Normal)
	require.Equal(t, 0, stats.Low)
}

func TestAgingDoesNotBoostPastCritical(t *testing.T) {
	cfg := defaultConfig()
	cfg.AgingThresholdMs = 1000
	q, mc, _ := newTestQueue(t, cfg, Events{})

	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: High, EnqueuedAtMs: mc.Now()}).Success)

	mc.Advance(10000 * time.Millisecond)
	q.SweepAging(mc.Now())
	q.SweepAging(mc.Now())

	stats := q.GetStats()
	require.Equal(t, 1, stats.Critical)
}

func TestGetSizeAndStatsMatchLaneOccupancy(t *testing.T) {
	q, mc, _ := newTestQueue(t, defaultConfig(), Events{})
	require.True(t, q.Enqueue(Task{TaskID: "a", Priority: Critical, EnqueuedAtMs: mc.Now()}).Success)
	require.True(t, q.Enqueue(Task{TaskID: "b", Priority: High, EnqueuedAtMs: mc.Now()}).Success)
	require.True(t, q.Enqueue(Task{TaskID: "c", Priority: High, EnqueuedAtMs: mc.Now()}).Success)

	require.Equal(t, 3, q.GetSize())
	stats := q.GetStats()
	require.Equal(t, 1, stats.Critical)
	require.Equal(t, 2, stats.High)
	require.Equal(t, 3, stats.Total)
}
