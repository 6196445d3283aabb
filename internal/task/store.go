// Package task runs scheduled tasks recorded in an external store. The
// scheduler is a single loop: fetch the next due task, record which process
// runs it, execute it, repeat; back off when nothing is due.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/storage/sqlitedb"
	"github.com/ChuLiYu/warden/pkg/types"
)

var (
	// ErrTaskTaken means another process started the task first.
	ErrTaskTaken = errors.New("task already taken")
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

const tasksSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	run_at       INTEGER NOT NULL,
	interval_ms  INTEGER NOT NULL DEFAULT 0,
	executor_pid INTEGER NOT NULL DEFAULT 0,
	started_at   INTEGER,
	finished_at  INTEGER,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tasks_due ON tasks (status, run_at);
CREATE TABLE IF NOT EXISTS servers (
	name       TEXT PRIMARY KEY,
	pid        INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const taskColumns = `id, name, payload, status, run_at, interval_ms, executor_pid, started_at, finished_at, last_error`

// RunningServer is the scheduler process last seen by the store.
type RunningServer struct {
	Name      string    `json:"name" yaml:"name"`
	PID       int       `json:"pid" yaml:"pid"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Store is the SQLite task store.
type Store struct {
	pool *sqlitedb.Pool
	now  func() time.Time
}

// Open opens the store described by cfg. Relative paths live under
// runtimeDir.
func Open(cfg config.StoreConfig, runtimeDir string, logger *zap.Logger) (*Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
	default:
		return nil, types.NewConfigurationError("task", fmt.Sprintf("unsupported store driver %q", cfg.Driver), nil)
	}
	path := cfg.Path
	if path == "" {
		path = "tasks.db"
	}
	if !filepath.IsAbs(path) && runtimeDir != "" {
		path = filepath.Join(runtimeDir, path)
	}
	pool, err := sqlitedb.Open(sqlitedb.Options{Path: path, Schema: tasksSchema, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Add inserts a pending task and returns its id. A zero RunAt means now.
func (s *Store) Add(ctx context.Context, rec *types.TaskRecord) (int64, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return 0, fmt.Errorf("task: encode payload: %w", err)
	}
	if rec.RunAt.IsZero() {
		rec.RunAt = s.now()
	}
	rec.Status = types.TaskPending
	err = s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO tasks (name, payload, status, run_at, interval_ms) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				rec.Name, string(payload), string(types.TaskPending), rec.RunAt.UnixMilli(), rec.Interval.Milliseconds(),
			}})
		if err != nil {
			return err
		}
		rec.ID = conn.LastInsertRowID()
		return nil
	})
	return rec.ID, err
}

// NextDue returns the pending task with the earliest run_at not after now,
// or nil.
func (s *Store) NextDue(ctx context.Context) (*types.TaskRecord, error) {
	var rec *types.TaskRecord
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND run_at <= ? ORDER BY run_at, id LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{string(types.TaskPending), s.now().UnixMilli()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					rec, err = scanTask(stmt)
					return err
				},
			})
	})
	return rec, err
}

// Run records pid as the executor of task id and marks it running. It
// fails with ErrTaskTaken when the task is no longer pending.
func (s *Store) Run(ctx context.Context, id int64, pid int) error {
	return s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE tasks SET status = ?, executor_pid = ?, started_at = ?, finished_at = NULL
			 WHERE id = ? AND status = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(types.TaskRunning), pid, s.now().UnixMilli(), id, string(types.TaskPending),
			}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrTaskTaken
		}
		return nil
	})
}

// Finish records the outcome of a running task. Recurring tasks go back to
// pending, due one interval from now.
func (s *Store) Finish(ctx context.Context, id int64, cause error) error {
	return s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		var interval int64 = -1
		err := sqlitex.Execute(conn, `SELECT interval_ms FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				interval = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if interval < 0 {
			return ErrTaskNotFound
		}

		now := s.now()
		status := types.TaskSuccess
		if cause != nil {
			status = types.TaskFailed
		}
		runAt := any(nil)
		if interval > 0 {
			status = types.TaskPending
			runAt = now.Add(time.Duration(interval) * time.Millisecond).UnixMilli()
		}
		lastErr := ""
		if cause != nil {
			lastErr = cause.Error()
		}
		return sqlitex.Execute(conn,
			`UPDATE tasks SET status = ?, finished_at = ?, last_error = ?, run_at = COALESCE(?, run_at) WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(status), now.UnixMilli(), lastErr, runAt, id}})
	})
}

// SetRunningServer records that pid is the live scheduler process.
func (s *Store) SetRunningServer(ctx context.Context, pid int, name string) error {
	return s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO servers (name, pid, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET pid = excluded.pid, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{name, pid, s.now().UnixMilli()}})
	})
}

// RunningServers lists the recorded scheduler processes.
func (s *Store) RunningServers(ctx context.Context) ([]RunningServer, error) {
	var out []RunningServer
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT name, pid, updated_at FROM servers ORDER BY name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, RunningServer{
					Name:      stmt.ColumnText(0),
					PID:       stmt.ColumnInt(1),
					UpdatedAt: time.UnixMilli(stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	})
	return out, err
}

func (s *Store) Get(ctx context.Context, id int64) (*types.TaskRecord, error) {
	var rec *types.TaskRecord
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				rec, err = scanTask(stmt)
				return err
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrTaskNotFound
	}
	return rec, nil
}

// List returns every task ordered by id.
func (s *Store) List(ctx context.Context) ([]types.TaskRecord, error) {
	var out []types.TaskRecord
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks ORDER BY id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec, err := scanTask(stmt)
				if err != nil {
					return err
				}
				out = append(out, *rec)
				return nil
			},
		})
	})
	return out, err
}

func (s *Store) Close() error { return s.pool.Close() }

func scanTask(stmt *sqlite.Stmt) (*types.TaskRecord, error) {
	rec := &types.TaskRecord{
		ID:          stmt.ColumnInt64(0),
		Name:        stmt.ColumnText(1),
		Status:      types.TaskStatus(stmt.ColumnText(3)),
		RunAt:       time.UnixMilli(stmt.ColumnInt64(4)),
		Interval:    time.Duration(stmt.ColumnInt64(5)) * time.Millisecond,
		ExecutorPID: stmt.ColumnInt(6),
		LastError:   stmt.ColumnText(9),
	}
	if raw := stmt.ColumnText(2); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.Payload); err != nil {
			return nil, fmt.Errorf("task: decode payload of %d: %w", rec.ID, err)
		}
	}
	if !stmt.ColumnIsNull(7) {
		t := time.UnixMilli(stmt.ColumnInt64(7))
		rec.StartedAt = &t
	}
	if !stmt.ColumnIsNull(8) {
		t := time.UnixMilli(stmt.ColumnInt64(8))
		rec.FinishedAt = &t
	}
	return rec, nil
}
