// Package store provides the scheduler's SQLite-backed persistence layer:
// schema migrations and typed accessors for task-pool deltas, broadcast
// state, and remote install-target records -- the suiteDbMgr.flushDeltas()
// collaborator spec.md §4.14 step 10 names.
//
// Grounded directly on the teacher (mattcburns-shoal-provision)'s
// internal/provisioner/store/store.go: the same modernc.org/sqlite DSN
// (busy_timeout/journal_mode=WAL/foreign_keys=ON/synchronous=NORMAL
// pragmas), ErrNotFound sentinel, WithTx helper, and settings-table-backed
// schema-version migration runner, re-pointed at the task/broadcast/
// install-target tables this engine needs instead of BMC/job rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite connection and exposes typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies durability
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	const target = 1
	if cur >= target {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS task_pool (
				name TEXT NOT NULL,
				cycle_point TEXT NOT NULL,
				status TEXT NOT NULL,
				held INTEGER NOT NULL DEFAULT 0,
				submit_num INTEGER NOT NULL DEFAULT 0,
				try_num INTEGER NOT NULL DEFAULT 0,
				spawned INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (name, cycle_point)
			)`,
			`CREATE TABLE IF NOT EXISTS task_outputs (
				name TEXT NOT NULL,
				cycle_point TEXT NOT NULL,
				message TEXT NOT NULL,
				completed INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (name, cycle_point, message),
				FOREIGN KEY (name, cycle_point) REFERENCES task_pool(name, cycle_point) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS broadcast_settings (
				point TEXT NOT NULL,
				namespace TEXT NOT NULL,
				path TEXT NOT NULL,
				value TEXT NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (point, namespace, path)
			)`,
			`CREATE TABLE IF NOT EXISTS install_targets (
				install_target TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS task_jobs (
				name TEXT NOT NULL,
				cycle_point TEXT NOT NULL,
				submit_num INTEGER NOT NULL,
				batch_sys_name TEXT,
				batch_sys_job_id TEXT,
				host TEXT,
				owner TEXT,
				submit_time DATETIME,
				start_time DATETIME,
				finish_time DATETIME,
				PRIMARY KEY (name, cycle_point, submit_num)
			)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return s.setSchemaVersionTx(ctx, tx, target)
	})
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var v int
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	fmt.Sscanf(raw, "%d", &v)
	return v, nil
}

func (s *Store) setSchemaVersionTx(ctx context.Context, tx *sql.Tx, v int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('schema_version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", v))
	return err
}

// --------------- Task pool ---------------

// TaskRow is one task_pool row (spec.md §3 "TaskProxy" persisted fields).
type TaskRow struct {
	Name       string
	Point      string
	Status     string
	Held       bool
	SubmitNum  uint
	TryNum     int
	Spawned    bool
}

// UpsertTask writes one task_pool row, the per-tick delta-flush unit
// (spec.md §4.14 step 10 "flushDeltas").
func (s *Store) UpsertTask(ctx context.Context, t TaskRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_pool (name, cycle_point, status, held, submit_num, try_num, spawned, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name, cycle_point) DO UPDATE SET
			status = excluded.status, held = excluded.held, submit_num = excluded.submit_num,
			try_num = excluded.try_num, spawned = excluded.spawned, updated_at = CURRENT_TIMESTAMP`,
		t.Name, t.Point, t.Status, boolInt(t.Held), t.SubmitNum, t.TryNum, boolInt(t.Spawned))
	return err
}

// DeleteTask removes a task_pool row (and cascades its outputs), for spent
// tasks the pool has removed.
func (s *Store) DeleteTask(ctx context.Context, name, point string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_pool WHERE name = ? AND cycle_point = ?`, name, point)
	return err
}

// GetTask fetches one task_pool row, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, name, point string) (TaskRow, error) {
	var t TaskRow
	var held, spawned int
	row := s.db.QueryRowContext(ctx, `SELECT name, cycle_point, status, held, submit_num, try_num, spawned FROM task_pool WHERE name = ? AND cycle_point = ?`, name, point)
	if err := row.Scan(&t.Name, &t.Point, &t.Status, &held, &t.SubmitNum, &t.TryNum, &spawned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Held = held != 0
	t.Spawned = spawned != 0
	return t, nil
}

// ListTasks returns every task_pool row, for a cold-start reload.
func (s *Store) ListTasks(ctx context.Context) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, cycle_point, status, held, submit_num, try_num, spawned FROM task_pool`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		var held, spawned int
		if err := rows.Scan(&t.Name, &t.Point, &t.Status, &held, &t.SubmitNum, &t.TryNum, &spawned); err != nil {
			return nil, err
		}
		t.Held = held != 0
		t.Spawned = spawned != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetOutputCompleted records one output's completion state.
func (s *Store) SetOutputCompleted(ctx context.Context, name, point, message string, completed bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outputs (name, cycle_point, message, completed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name, cycle_point, message) DO UPDATE SET completed = excluded.completed`,
		name, point, message, boolInt(completed))
	return err
}

// --------------- Broadcast ---------------

// UpsertBroadcast persists one broadcast override.
func (s *Store) UpsertBroadcast(ctx context.Context, point, namespace, path, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_settings (point, namespace, path, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(point, namespace, path) DO UPDATE SET value = excluded.value`,
		point, namespace, path, value)
	return err
}

// DeleteBroadcast removes a broadcast override.
func (s *Store) DeleteBroadcast(ctx context.Context, point, namespace, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM broadcast_settings WHERE point = ? AND namespace = ? AND path = ?`, point, namespace, path)
	return err
}

// --------------- Install targets ---------------

// SetInstallTargetStatus records a remote install target's init status.
func (s *Store) SetInstallTargetStatus(ctx context.Context, target, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO install_targets (install_target, status, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(install_target) DO UPDATE SET status = excluded.status, updated_at = CURRENT_TIMESTAMP`,
		target, status)
	return err
}

// GetInstallTargetStatus fetches a remote install target's cached status,
// or ErrNotFound.
func (s *Store) GetInstallTargetStatus(ctx context.Context, target string) (string, error) {
	var status string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM install_targets WHERE install_target = ?`, target)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// --------------- Task jobs ---------------

// JobRow is one task_jobs submission record.
type JobRow struct {
	Name, Point       string
	SubmitNum         uint
	BatchSysName      string
	BatchSysJobID     string
	Host, Owner       string
	SubmitTime        *time.Time
	StartTime         *time.Time
	FinishTime        *time.Time
}

// UpsertJob persists one submission's job record.
func (s *Store) UpsertJob(ctx context.Context, j JobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_jobs (name, cycle_point, submit_num, batch_sys_name, batch_sys_job_id, host, owner, submit_time, start_time, finish_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, cycle_point, submit_num) DO UPDATE SET
			batch_sys_name = excluded.batch_sys_name, batch_sys_job_id = excluded.batch_sys_job_id,
			host = excluded.host, owner = excluded.owner, submit_time = excluded.submit_time,
			start_time = excluded.start_time, finish_time = excluded.finish_time`,
		j.Name, j.Point, j.SubmitNum, j.BatchSysName, j.BatchSysJobID, j.Host, j.Owner,
		j.SubmitTime, j.StartTime, j.FinishTime)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
