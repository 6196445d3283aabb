package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ChuLiYu/warden/internal/storage/sqlitedb"
	"github.com/ChuLiYu/warden/pkg/types"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	name         TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	reserved_at  INTEGER,
	created_at   INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS jobs_claim ON jobs (queue, status, available_at);
`

const jobColumns = `id, queue, name, payload, status, attempts, available_at, reserved_at, created_at, last_error`

// SQLiteStore shares one database file between every consumer process of
// a connection. Claims run in IMMEDIATE transactions, so two processes
// never reserve the same job.
type SQLiteStore struct {
	pool    *sqlitedb.Pool
	reserve time.Duration
	now     func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the queue database at path.
func OpenSQLiteStore(path string, reserve time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	pool, err := sqlitedb.Open(sqlitedb.Options{Path: path, Schema: jobsSchema, Logger: logger})
	if err != nil {
		return nil, err
	}
	if reserve <= 0 {
		reserve = DefaultReserveTimeout
	}
	return &SQLiteStore{pool: pool, reserve: reserve, now: time.Now}, nil
}

func (s *SQLiteStore) Push(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = newJobID()
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("queue: encode payload: %w", err)
	}
	now := s.now()
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.CreatedAt = now
	job.Status = types.StatusPending
	job.Attempts = 0

	return s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		var exists bool
		err := sqlitex.Execute(conn, `SELECT 1 FROM jobs WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(job.ID)},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateJob
		}
		return sqlitex.Execute(conn,
			`INSERT INTO jobs (id, queue, name, payload, status, attempts, available_at, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(job.ID), job.Queue, job.Name, string(payload), string(types.StatusPending),
				job.AvailableAt.UnixMilli(), now.UnixMilli(),
			}})
	})
}

func (s *SQLiteStore) Claim(ctx context.Context, queue string, delay time.Duration, tries int) (*types.Job, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	expired := now.Add(-s.reserve).UnixMilli()

	var job *types.Job
	err := s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		// 逾時的認領: 嘗試次數用盡則 failed，否則重新排隊
		if tries > 0 {
			err := sqlitex.Execute(conn,
				`UPDATE jobs SET status = ?, reserved_at = NULL, last_error = 'reservation expired'
				 WHERE queue = ? AND status = ? AND reserved_at <= ? AND attempts >= ?`,
				&sqlitex.ExecOptions{Args: []any{
					string(types.StatusFailed), queue, string(types.StatusReserved), expired, tries,
				}})
			if err != nil {
				return err
			}
		}
		err := sqlitex.Execute(conn,
			`UPDATE jobs SET status = ?, reserved_at = NULL
			 WHERE queue = ? AND status = ? AND reserved_at <= ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(types.StatusPending), queue, string(types.StatusReserved), expired,
			}})
		if err != nil {
			return err
		}

		err = sqlitex.Execute(conn,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE queue = ? AND status = ? AND available_at <= ? AND created_at <= ?
			 ORDER BY rowid LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{queue, string(types.StatusPending), nowMs, now.Add(-delay).UnixMilli()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					job, err = scanJob(stmt)
					return err
				},
			})
		if err != nil || job == nil {
			return err
		}

		job.Status = types.StatusReserved
		job.Attempts++
		reservedAt := time.UnixMilli(nowMs)
		job.ReservedAt = &reservedAt
		return sqlitex.Execute(conn,
			`UPDATE jobs SET status = ?, attempts = ?, reserved_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(job.Status), job.Attempts, nowMs, string(job.ID)}})
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w", queue, err)
	}
	return job, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id types.JobID) error {
	return s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE jobs SET status = ?, reserved_at = NULL WHERE id = ? AND status = ?`,
			&sqlitex.ExecOptions{Args: []any{string(types.StatusDone), string(id), string(types.StatusReserved)}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotReserved
		}
		return nil
	})
}

func (s *SQLiteStore) Fail(ctx context.Context, id types.JobID, cause error, tries int) error {
	return s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		attempts := -1
		err := sqlitex.Execute(conn, `SELECT attempts FROM jobs WHERE id = ? AND status = ?`, &sqlitex.ExecOptions{
			Args: []any{string(id), string(types.StatusReserved)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				attempts = stmt.ColumnInt(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if attempts < 0 {
			return ErrNotReserved
		}
		status := types.StatusPending
		if exhausted(attempts, tries) {
			status = types.StatusFailed
		}
		return sqlitex.Execute(conn,
			`UPDATE jobs SET status = ?, reserved_at = NULL, available_at = ?, last_error = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(status), s.now().UnixMilli(), errString(cause), string(id)}})
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	var job *types.Job
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				job, err = scanJob(stmt)
				return err
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, queue string) (Stats, error) {
	var st Stats
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT status, COUNT(*) FROM jobs WHERE queue = ? GROUP BY status`, &sqlitex.ExecOptions{
			Args: []any{queue},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n := stmt.ColumnInt(1)
				switch types.JobStatus(stmt.ColumnText(0)) {
				case types.StatusPending:
					st.Pending = n
				case types.StatusReserved:
					st.Reserved = n
				case types.StatusDone:
					st.Done = n
				case types.StatusFailed:
					st.Failed = n
				}
				return nil
			},
		})
	})
	return st, err
}

func (s *SQLiteStore) Close() error { return s.pool.Close() }

func scanJob(stmt *sqlite.Stmt) (*types.Job, error) {
	job := &types.Job{
		ID:          types.JobID(stmt.ColumnText(0)),
		Queue:       stmt.ColumnText(1),
		Name:        stmt.ColumnText(2),
		Status:      types.JobStatus(stmt.ColumnText(4)),
		Attempts:    stmt.ColumnInt(5),
		AvailableAt: time.UnixMilli(stmt.ColumnInt64(6)),
		CreatedAt:   time.UnixMilli(stmt.ColumnInt64(8)),
		LastError:   stmt.ColumnText(9),
	}
	if raw := stmt.ColumnText(3); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("queue: decode payload of %s: %w", job.ID, err)
		}
	}
	if !stmt.ColumnIsNull(7) {
		t := time.UnixMilli(stmt.ColumnInt64(7))
		job.ReservedAt = &t
	}
	return job, nil
}
