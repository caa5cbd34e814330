// Package store is the embedded durable key/row store backing schedules,
// runs, signals, and the per-agent allowlist. It is the single place in
// the control plane that talks SQL; every other package goes through its
// typed operations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/core/internal/clock"
	ctlerrors "github.com/openclaw/core/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the embedded SQLite-backed durable store. Schema creation is
// idempotent: Open runs every pending migration and returns once the
// schema matches the current version.
type Store struct {
	db  *sqlx.DB
	clk clock.Clock
}

// Config mirrors the fields of config.DatabaseConfig this package needs,
// kept narrow so store does not import the config package.
type Config struct {
	Driver          string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the embedded database, applies migrations, and
// returns a ready Store. SQLite enforces single-writer semantics at the
// file level, which is the "safe file-level locking" the store requires.
func Open(cfg Config, clk clock.Clock) (*Store, error) {
	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := migrateSchema(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, clk: clk}, nil
}

func migrateSchema(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- transaction support, grounded on the base store's context-carried Tx pattern ---

type txKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

func contextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single SQLite transaction, committing on
// success and rolling back on any error including a panic.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := contextWithTx(ctx, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Schedule operations ---

// CreateSchedule inserts a new schedule. Callers must construct
// ScheduleID as "heartbeat-" + AgentID; CreateSchedule does not enforce
// that invariant, the heartbeat package does.
func (s *Store) CreateSchedule(ctx context.Context, sch Schedule) error {
	const q = `INSERT INTO schedules
		(schedule_id, agent_id, state, interval_ms, next_run_at_ms, active_hours, visibility, created_at_ms)
		VALUES (:schedule_id, :agent_id, :state, :interval_ms, :next_run_at_ms, :active_hours, :visibility, :created_at_ms)`
	_, err := sqlx.NamedExecContext(ctx, s.q(ctx), q, sch)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// UpdateScheduleNextRun advances a schedule's next_run_at_ms.
func (s *Store) UpdateScheduleNextRun(ctx context.Context, scheduleID string, nextRunAtMs int64) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE schedules SET next_run_at_ms = ? WHERE schedule_id = ?`, nextRunAtMs, scheduleID)
	return checkAffected(res, err, "update schedule next run")
}

// SetScheduleState transitions a schedule between active/paused/disabled.
func (s *Store) SetScheduleState(ctx context.Context, scheduleID, state string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE schedules SET state = ? WHERE schedule_id = ?`, state, scheduleID)
	return checkAffected(res, err, "set schedule state")
}

// UpdateScheduleConfig refreshes the mutable configuration fields of an
// existing schedule, used when registering an agent whose schedule
// already exists (an "upsert" at the agent's re-register boundary).
func (s *Store) UpdateScheduleConfig(ctx context.Context, scheduleID string, intervalMs, nextRunAtMs int64, activeHours, visibility string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE schedules SET interval_ms = ?, next_run_at_ms = ?, active_hours = ?, visibility = ?, state = 'active' WHERE schedule_id = ?`,
		intervalMs, nextRunAtMs, activeHours, visibility, scheduleID)
	return checkAffected(res, err, "update schedule config")
}

// GetSchedule returns the schedule for an agent, or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, agentID string) (*Schedule, error) {
	var sch Schedule
	err := s.q(ctx).GetContext(ctx, &sch, `SELECT * FROM schedules WHERE agent_id = ?`, agentID)
	if err == sql.ErrNoRows {
		return nil, ctlerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sch, nil
}

// ListSchedules returns every schedule regardless of state, ordered by
// agent_id, for diagnostics and introspection callers.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	var out []*Schedule
	err := s.q(ctx).SelectContext(ctx, &out, `SELECT * FROM schedules ORDER BY agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

// GetDueSchedules returns active schedules due within windowMs of now.
func (s *Store) GetDueSchedules(ctx context.Context, windowMs int64) ([]*Schedule, error) {
	now := s.clk.Now()
	var out []*Schedule
	err := s.q(ctx).SelectContext(ctx, &out,
		`SELECT * FROM schedules WHERE state = 'active' AND next_run_at_ms <= ? ORDER BY next_run_at_ms ASC`,
		now+windowMs)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	return out, nil
}

// --- Run operations ---

// RecordRun appends a completed run. Runs are never updated afterward.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	const q = `INSERT INTO runs
		(run_id, schedule_id, agent_id, status, started_at_ms, completed_at_ms, duration_ms, message, channel, account_id, error)
		VALUES (:run_id, :schedule_id, :agent_id, :status, :started_at_ms, :completed_at_ms, :duration_ms, :message, :channel, :account_id, :error)`
	_, err := sqlx.NamedExecContext(ctx, s.q(ctx), q, run)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// GetAnalytics aggregates run history for an agent over the named
// lookback window ("1h", "24h", "7d", "30d").
func (s *Store) GetAnalytics(ctx context.Context, agentID, window string) (*Analytics, error) {
	lookbackMs, err := windowToMs(window)
	if err != nil {
		return nil, err
	}
	since := s.clk.Now() - lookbackMs

	var row struct {
		Total   int64           `db:"total"`
		Ok      int64           `db:"ok"`
		Errored int64           `db:"errored"`
		Skipped int64           `db:"skipped"`
		AvgDur  sql.NullFloat64 `db:"avg_dur"`
	}
	const q = `SELECT
		COUNT(*) AS total,
		SUM(CASE WHEN status = 'ok' THEN 1 ELSE 0 END) AS ok,
		SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS errored,
		SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END) AS skipped,
		AVG(duration_ms) AS avg_dur
		FROM runs WHERE agent_id = ? AND started_at_ms >= ?`
	if err := s.q(ctx).GetContext(ctx, &row, q, agentID, since); err != nil {
		return nil, fmt.Errorf("get analytics: %w", err)
	}

	return &Analytics{
		AgentID:     agentID,
		Window:      window,
		TotalRuns:   row.Total,
		OkRuns:      row.Ok,
		ErrorRuns:   row.Errored,
		SkippedRuns: row.Skipped,
		AvgDuration: row.AvgDur.Float64,
	}, nil
}

func windowToMs(window string) (int64, error) {
	switch window {
	case "1h":
		return int64(time.Hour / time.Millisecond), nil
	case "24h":
		return int64(24 * time.Hour / time.Millisecond), nil
	case "7d":
		return int64(7 * 24 * time.Hour / time.Millisecond), nil
	case "30d":
		return int64(30 * 24 * time.Hour / time.Millisecond), nil
	default:
		return 0, ctlerrors.Config("get_analytics", "unknown window "+window)
	}
}

// --- Signal operations ---

// AddSignal enqueues a pause or runNow instruction for a schedule.
func (s *Store) AddSignal(ctx context.Context, sig Signal) error {
	const q = `INSERT INTO signals (signal_id, schedule_id, kind, reason, enqueued_at_ms, processed)
		VALUES (:signal_id, :schedule_id, :kind, :reason, :enqueued_at_ms, :processed)`
	_, err := sqlx.NamedExecContext(ctx, s.q(ctx), q, sig)
	if err != nil {
		return fmt.Errorf("add signal: %w", err)
	}
	return nil
}

// GetPendingSignals returns unprocessed signals for a schedule, oldest first.
func (s *Store) GetPendingSignals(ctx context.Context, scheduleID string) ([]*Signal, error) {
	var out []*Signal
	err := s.q(ctx).SelectContext(ctx, &out,
		`SELECT * FROM signals WHERE schedule_id = ? AND processed = 0 ORDER BY enqueued_at_ms ASC`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("get pending signals: %w", err)
	}
	return out, nil
}

// MarkSignalsProcessed marks every pending signal for a schedule as
// consumed. Signals are consumed at most once, at the scheduler's next
// execution point.
func (s *Store) MarkSignalsProcessed(ctx context.Context, scheduleID string) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE signals SET processed = 1 WHERE schedule_id = ? AND processed = 0`, scheduleID)
	if err != nil {
		return fmt.Errorf("mark signals processed: %w", err)
	}
	return nil
}

// --- Heartbeat state (derived) ---

// GetState rebuilds the derived heartbeat state for an agent from its
// most recent runs.
func (s *Store) GetState(ctx context.Context, agentID string) (*HeartbeatState, error) {
	sch, err := s.GetSchedule(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var last struct {
		Status        string `db:"status"`
		CompletedAtMs int64  `db:"completed_at_ms"`
	}
	err = s.q(ctx).GetContext(ctx, &last,
		`SELECT status, completed_at_ms FROM runs WHERE schedule_id = ? ORDER BY completed_at_ms DESC LIMIT 1`,
		sch.ScheduleID)
	if err == sql.ErrNoRows {
		return &HeartbeatState{ScheduleID: sch.ScheduleID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last run: %w", err)
	}

	var consecutive int
	err = s.q(ctx).GetContext(ctx, &consecutive, `
		SELECT COUNT(*) FROM (
			SELECT status FROM runs WHERE schedule_id = ? ORDER BY completed_at_ms DESC
		) recent
		WHERE recent.status = 'error'
		AND recent.rowid > (
			SELECT COALESCE(MIN(rowid), 0) FROM (
				SELECT rowid FROM runs WHERE schedule_id = ? AND status != 'error' ORDER BY completed_at_ms DESC LIMIT 1
			)
		)`, sch.ScheduleID, sch.ScheduleID)
	if err != nil {
		consecutive = 0
	}

	return &HeartbeatState{
		ScheduleID:          sch.ScheduleID,
		LastStatus:          last.Status,
		ConsecutiveFailures: consecutive,
		LastRunAtMs:         last.CompletedAtMs,
	}, nil
}

// --- Allowlist operations ---

// AddAllowlistEntry records a newly approved command pattern for an agent.
func (s *Store) AddAllowlistEntry(ctx context.Context, e AllowlistEntry) error {
	const q = `INSERT INTO allowlist_entries (agent_id, pattern, added_at_ms, last_used_at_ms, use_count)
		VALUES (:agent_id, :pattern, :added_at_ms, :last_used_at_ms, :use_count)
		ON CONFLICT (agent_id, pattern) DO NOTHING`
	_, err := sqlx.NamedExecContext(ctx, s.q(ctx), q, e)
	if err != nil {
		return fmt.Errorf("add allowlist entry: %w", err)
	}
	return nil
}

// GetAllowlistEntries returns every allowlisted pattern for an agent.
func (s *Store) GetAllowlistEntries(ctx context.Context, agentID string) ([]*AllowlistEntry, error) {
	var out []*AllowlistEntry
	err := s.q(ctx).SelectContext(ctx, &out,
		`SELECT * FROM allowlist_entries WHERE agent_id = ? ORDER BY added_at_ms ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("get allowlist entries: %w", err)
	}
	return out, nil
}

// TouchAllowlistEntry bumps use_count and last_used_at_ms for a pattern
// match, used by the policy engine each time it grants via allowlist.
func (s *Store) TouchAllowlistEntry(ctx context.Context, agentID, pattern string, nowMs int64) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE allowlist_entries SET use_count = use_count + 1, last_used_at_ms = ?
		 WHERE agent_id = ? AND pattern = ?`, nowMs, agentID, pattern)
	return checkAffected(res, err, "touch allowlist entry")
}

// RemoveAllowlistEntry deletes an allowlisted pattern for an agent.
func (s *Store) RemoveAllowlistEntry(ctx context.Context, agentID, pattern string) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM allowlist_entries WHERE agent_id = ? AND pattern = ?`, agentID, pattern)
	if err != nil {
		return fmt.Errorf("remove allowlist entry: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ctlerrors.ErrNotFound
	}
	return nil
}
