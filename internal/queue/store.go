// ============================================================================
// Warden Queue Store - 任務佇列存儲抽象
// ============================================================================
//
// Package: internal/queue
// File: store.go
// Purpose: The consumer loop talks to its backing queue only through Store,
//          so memory, SQLite and NATS JetStream backends are interchangeable.
//
// 認領語義:
//   Claim(queue, delay, tries) 返回一個可執行的任務並將其標記為 reserved。
//   - delay: 任務建立後至少經過 delay 才能被認領
//   - tries: 最大嘗試次數，由存儲端負責計數 (0 = 不限)
//   - 被認領但超過 reserve_timeout 未完成的任務 (例如 watchdog 重啟) 會被
//     重新釋放，或在嘗試次數用盡時標記為 failed
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/pkg/types"
)

// DefaultReserveTimeout is used when a connection sets no reserve_timeout.
const DefaultReserveTimeout = 90 * time.Second

var (
	// ErrDuplicateJob is returned by Push for an ID that already exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrNotReserved is returned when completing a job nobody holds.
	ErrNotReserved = errors.New("job not reserved")
	// ErrJobNotFound is returned by Get for an unknown ID.
	ErrJobNotFound = errors.New("job not found")
)

// Store is an external queue backend.
type Store interface {
	// Push enqueues job. An empty ID is filled in.
	Push(ctx context.Context, job *types.Job) error
	// Claim reserves the next claimable job of queue, or returns nil, nil.
	Claim(ctx context.Context, queue string, delay time.Duration, tries int) (*types.Job, error)
	// Complete marks a reserved job done.
	Complete(ctx context.Context, id types.JobID) error
	// Fail releases a reserved job for another attempt, or marks it failed
	// once tries attempts were used.
	Fail(ctx context.Context, id types.JobID, cause error, tries int) error
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	Stats(ctx context.Context, queue string) (Stats, error)
	Close() error
}

// Stats counts the jobs of one queue by status.
type Stats struct {
	Pending  int `json:"pending" yaml:"pending"`
	Reserved int `json:"reserved" yaml:"reserved"`
	Done     int `json:"done" yaml:"done"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Open builds the store described by cfg. Relative SQLite paths live under
// runtimeDir.
func Open(ctx context.Context, cfg config.StoreConfig, runtimeDir string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reserve := DefaultReserveTimeout
	if cfg.ReserveTimeout > 0 {
		reserve = time.Duration(cfg.ReserveTimeout) * time.Second
	}
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemoryStore(reserve), nil
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "queue.db"
		}
		if !filepath.IsAbs(path) && runtimeDir != "" {
			path = filepath.Join(runtimeDir, path)
		}
		return OpenSQLiteStore(path, reserve, logger)
	case "nats", "jetstream":
		return OpenJetStreamStore(ctx, cfg, reserve, logger)
	}
	return nil, types.NewConfigurationError("queue", fmt.Sprintf("unknown driver %q", cfg.Driver), nil)
}

// claimable reports whether a pending job may be handed out at now.
func claimable(job *types.Job, now time.Time, delay time.Duration) bool {
	if job.AvailableAt.After(now) {
		return false
	}
	return !job.CreatedAt.Add(delay).After(now)
}

// exhausted reports whether a job used up its attempts.
func exhausted(attempts, tries int) bool {
	return tries > 0 && attempts >= tries
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newJobID() types.JobID { return types.JobID(uuid.NewString()) }
