// ============================================================================
// Warden Worker Pool - 一個 service 的 worker process 池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理一個 service 的 N 個 worker process 的生命週期
//
// 架構組件:
//   ┌─────────────┐
//   │   Master    │ --Start/Reload/Stop-->
//   └─────────────┘
//         ↑
//      OnExit(Exit)
//         ↑
//   ┌──────────────────────┐
//   │   Pool (service)     │
//   │  ┌────────────────┐  │
//   │  │Worker 0 → pid  │  │
//   │  │Worker 1 → pid  │  │   每個 slot 一個監督 goroutine
//   │  │Worker 2 → pid  │  │
//   │  └────────────────┘  │
//   └──────────────────────┘
//
// 生命週期:
//   1. NewPool(spec, opts) - 驗證 spec
//   2. Start(ctx)          - 每個 slot 啟動一個監督 goroutine
//   3. Reload()            - 對所有存活的 process 發送 SIGUSR1
//   4. Stop()              - SIGTERM，逾時後 SIGKILL，等待所有 slot 結束
//
// 並發控制:
//   - stopper.Context: 通知所有監督 goroutine 停止
//   - WaitGroup: Done() 在所有 slot 結束後關閉
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// DefaultStopTimeout is how long a process gets between SIGTERM and SIGKILL.
const DefaultStopTimeout = 2 * time.Second

// Options 設定 Pool 的行為
type Options struct {
	Backoff     Backoff
	StopTimeout time.Duration
	// OnExit is called from the slot's goroutine after every process exit.
	OnExit func(Exit)
	Logger *zap.Logger
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool runs Count processes of one service.
type Pool struct {
	spec    Spec
	opts    Options
	workers []*Worker

	sctx *stopper.Context
	wg   sync.WaitGroup
	done chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool 建立 Pool，尚未啟動任何 process
func NewPool(spec Spec, opts Options) (*Pool, error) {
	if spec.Service == "" {
		return nil, types.NewConfigurationError("worker", "service name is required", nil)
	}
	if spec.Command == nil {
		return nil, types.NewConfigurationError(spec.Service, "no worker command", nil)
	}
	spec.Count = max(spec.Count, 1)
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Pool{spec: spec, opts: opts, done: make(chan struct{})}
	for i := 0; i < spec.Count; i++ {
		p.workers = append(p.workers, newWorker(spec, i, opts))
	}
	return p, nil
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Start 為每個 slot 啟動監督 goroutine
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	p.sctx = stopper.WithContext(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		p.sctx.Go(func(s *stopper.Context) error {
			defer p.wg.Done()
			return w.run(s)
		})
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	p.started = true
	return nil
}

// Reload 對所有存活的 process 發送 SIGUSR1，回傳送達的數量
func (p *Pool) Reload() int {
	return p.Signal(unix.SIGUSR1)
}

// Signal delivers sig to every running process of the pool.
func (p *Pool) Signal(sig unix.Signal) int {
	n := 0
	for _, w := range p.workers {
		if w.signal(sig) {
			n++
		}
	}
	return n
}

// Stop 優雅地關閉所有 process 並等待監督 goroutine 結束
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if !p.started {
		p.stopped = true
		close(p.done)
		p.mu.Unlock()
		return
	}
	p.stopped = true
	sctx := p.sctx
	p.mu.Unlock()

	sctx.Stop(p.opts.StopTimeout + time.Second)
	<-p.done
}

// Done is closed once every slot has returned: after Stop, or when every
// process exited fatally.
func (p *Pool) Done() <-chan struct{} { return p.done }

// States 回傳每個 slot 的狀態
func (p *Pool) States() []types.WorkerState {
	out := make([]types.WorkerState, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.State())
	}
	return out
}

// Running 回傳存活的 process 數量
func (p *Pool) Running() int {
	n := 0
	for _, w := range p.workers {
		if w.State().Running {
			n++
		}
	}
	return n
}

func (p *Pool) Service() string { return p.spec.Service }

func (p *Pool) Count() int { return p.spec.Count }

func (p *Pool) String() string {
	return fmt.Sprintf("%s x%d", p.spec.Service, p.spec.Count)
}
