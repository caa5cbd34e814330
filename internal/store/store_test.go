package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/internal/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	dir := t.TempDir()
	mc := clock.NewMock()
	s, err := Open(Config{Driver: "sqlite3", Path: filepath.Join(dir, "test.db")}, mc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mc
}

func TestCreateAndGetSchedule(t *testing.T) {
	s, mc := newTestStore(t)
	ctx := context.Background()

	sch := Schedule{
		ScheduleID:  "heartbeat-agent-1",
		AgentID:     "agent-1",
		State:       "active",
		IntervalMs:  60000,
		NextRunAtMs: mc.Now() + 60000,
		Visibility:  "{}",
		CreatedAtMs: mc.Now(),
	}
	require.NoError(t, s.CreateSchedule(ctx, sch))

	got, err := s.GetSchedule(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, sch.ScheduleID, got.ScheduleID)
	require.Equal(t, "active", got.State)
}

func TestGetScheduleNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetSchedule(context.Background(), "nobody")
	require.Error(t, err)
}

func TestGetDueSchedulesRespectsWindowAndState(t *testing.T) {
	s, mc := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSchedule(ctx, Schedule{
		ScheduleID: "heartbeat-due", AgentID: "due", State: "active",
		IntervalMs: 1000, NextRunAtMs: mc.Now() + 500, Visibility: "{}", CreatedAtMs: mc.Now(),
	}))
	require.NoError(t, s.CreateSchedule(ctx, Schedule{
		ScheduleID: "heartbeat-far", AgentID: "far", State: "active",
		IntervalMs: 1000, NextRunAtMs: mc.Now() + 50000, Visibility: "{}", CreatedAtMs: mc.Now(),
	}))
	require.NoError(t, s.CreateSchedule(ctx, Schedule{
		ScheduleID: "heartbeat-paused", AgentID: "paused", State: "paused",
		IntervalMs: 1000, NextRunAtMs: mc.Now() + 100, Visibility: "{}", CreatedAtMs: mc.Now(),
	}))

	due, err := s.GetDueSchedules(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].AgentID)
}

func TestRecordRunAndGetAnalytics(t *testing.T) {
	s, mc := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, Run{
		RunID: "r1", ScheduleID: "heartbeat-a", AgentID: "a", Status: "ok",
		StartedAtMs: mc.Now(), CompletedAtMs: mc.Now() + 10, DurationMs: 10,
	}))
	require.NoError(t, s.RecordRun(ctx, Run{
		RunID: "r2", ScheduleID: "heartbeat-a", AgentID: "a", Status: "error",
		StartedAtMs: mc.Now(), CompletedAtMs: mc.Now() + 20, DurationMs: 20,
	}))

	analytics, err := s.GetAnalytics(ctx, "a", "1h")
	require.NoError(t, err)
	require.Equal(t, int64(2), analytics.TotalRuns)
	require.Equal(t, int64(1), analytics.OkRuns)
	require.Equal(t, int64(1), analytics.ErrorRuns)
}

func TestSignalLifecycle(t *testing.T) {
	s, mc := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSignal(ctx, Signal{
		SignalID: "s1", ScheduleID: "heartbeat-a", Kind: "pause", EnqueuedAtMs: mc.Now(),
	}))

	pending, err := s.GetPendingSignals(ctx, "heartbeat-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkSignalsProcessed(ctx, "heartbeat-a"))

	pending, err = s.GetPendingSignals(ctx, "heartbeat-a")
	require.NoError(t, err)
	require.Len(t, pending, 0)
}

func TestAllowlistLifecycle(t *testing.T) {
	s, mc := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddAllowlistEntry(ctx, AllowlistEntry{
		AgentID: "a", Pattern: "/usr/bin/ls", AddedAtMs: mc.Now(),
	}))
	// duplicate insert is a no-op, not an error
	require.NoError(t, s.AddAllowlistEntry(ctx, AllowlistEntry{
		AgentID: "a", Pattern: "/usr/bin/ls", AddedAtMs: mc.Now(),
	}))

	entries, err := s.GetAllowlistEntries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(0), entries[0].UseCount)

	require.NoError(t, s.TouchAllowlistEntry(ctx, "a", "/usr/bin/ls", mc.Now()+5))
	entries, err = s.GetAllowlistEntries(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), entries[0].UseCount)

	require.NoError(t, s.RemoveAllowlistEntry(ctx, "a", "/usr/bin/ls"))
	entries, err = s.GetAllowlistEntries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mc := newTestStore(t)
	ctx := context.Background()

	wantErr := require.Error
	_ = wantErr

	err := s.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.CreateSchedule(txCtx, Schedule{
			ScheduleID: "heartbeat-tx", AgentID: "tx", State: "active",
			IntervalMs: 1000, NextRunAtMs: mc.Now(), Visibility: "{}", CreatedAtMs: mc.Now(),
		}); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	_, err = s.GetSchedule(ctx, "tx")
	require.Error(t, err)
}
