// Package sqlitedb opens the SQLite databases shared by the queue and
// task stores. Every connection gets the same pragmas; callers write SQL
// directly through sqlitex.
package sqlitedb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultPoolSize is small on purpose: SQLite serializes writers and each
// worker process opens its own pool.
const DefaultPoolSize = 4

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Options for Open. Path is required.
type Options struct {
	Path     string
	PoolSize int
	Schema   string
	Logger   *zap.Logger
}

// Pool wraps sqlitex.Pool.
type Pool struct {
	inner  *sqlitex.Pool
	path   string
	logger *zap.Logger
}

// Open creates the parent directory if needed and opens a pool whose
// connections run Schema once on first use.
func Open(opts Options) (*Pool, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlitedb: path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitedb: create dir for %s: %w", opts.Path, err)
		}
	}

	inner, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepare(conn, opts.Schema)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", opts.Path, err)
	}
	logger.Debug("sqlite pool opened", zap.String("path", opts.Path), zap.Int("pool_size", size))
	return &Pool{inner: inner, path: opts.Path, logger: logger}, nil
}

func prepare(conn *sqlite.Conn, schema string) error {
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("sqlitedb: %s: %w", p, err)
		}
	}
	if schema != "" {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("sqlitedb: schema: %w", err)
		}
	}
	return nil
}

// Take borrows a connection; Put must follow.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: take: %w", err)
	}
	return conn, nil
}

func (p *Pool) Put(conn *sqlite.Conn) { p.inner.Put(conn) }

func (p *Pool) Path() string { return p.path }

// WithTx runs fn inside an IMMEDIATE transaction, so the first statement
// already holds the write lock. fn's error rolls the transaction back.
func (p *Pool) WithTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitedb: begin: %w", err)
	}
	defer end(&err)
	return fn(conn)
}

// With runs fn on a borrowed connection without a transaction.
func (p *Pool) With(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlitedb: close %s: %w", p.path, err)
	}
	p.logger.Debug("sqlite pool closed", zap.String("path", p.path))
	return nil
}
