// ============================================================================
// Warden Queue Consumer - 佇列消費者服務
// ============================================================================
//
// Package: internal/queue
// File: consumer.go
// Purpose: One consumer per worker process. Each iteration runs on the
//          worker loop:
//
//   1. 啟動 watchdog (timeout)
//   2. Claim 一個任務 (delay / tries 由存儲端處理)
//   3. 執行任務，Complete 或 Fail
//   4. 解除 watchdog，立即進入下一輪；沒有任務時 sleep 後再試
//
// Watchdog:
//   The job runs on the loop goroutine, so the watchdog is a plain
//   time.AfterFunc. When it fires the worker process restarts right away
//   and the job is left to the store's reservation timeout.
//
// 保證: 每個 worker process 同一時間最多執行一個任務。
//
// ============================================================================

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

// ServicePrefix prefixes consumer service names: "queue.<name>".
const ServicePrefix = "queue."

// Options configures a Consumer. Durations are already converted from the
// seconds used in configuration.
type Options struct {
	Queue   string
	Count   int
	Delay   time.Duration
	Sleep   time.Duration
	Timeout time.Duration
	Tries   int
	// Host and Port, when Port is set, expose a text socket answering
	// "stats" with the queue's counters.
	Host string
	Port int

	// Open creates the store inside the worker process.
	Open    func(ctx context.Context) (Store, error)
	Lookup  func(name string) (Handler, bool)
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Consumer is the queue consumer service.
type Consumer struct {
	*service.Base

	opts   Options
	logger *zap.Logger

	// loop-owned
	w       *runtime.Worker
	store   Store
	idle    runtime.TimerID
	current atomic.Pointer[types.Job]
}

// NewConsumer validates opts and builds the service.
func NewConsumer(opts Options) (*Consumer, error) {
	name := ServicePrefix + opts.Queue
	if opts.Queue == "" {
		return nil, types.NewConfigurationError("queue", "queue name is required", nil)
	}
	if opts.Open == nil {
		return nil, types.NewConfigurationError(name, "no store", nil)
	}
	if opts.Timeout <= 0 {
		return nil, types.NewConfigurationError(name, "timeout must be positive", nil)
	}
	if opts.Sleep <= 0 {
		opts.Sleep = 3 * time.Second
	}
	if opts.Lookup == nil {
		opts.Lookup = LookupHandler
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{opts: opts, logger: logger.Named("queue").With(zap.String("queue", opts.Queue))}

	desc := service.Descriptor{Socket: service.SocketNone, Options: service.Options{Name: name, Count: opts.Count}}
	if opts.Port != 0 {
		desc = service.Descriptor{Protocol: runtime.SchemeText, Host: opts.Host, Port: opts.Port, Options: desc.Options}
	}
	base, err := service.New(desc, c)
	if err != nil {
		return nil, err
	}
	c.Base = base
	return c, nil
}

// FromConfig builds the consumer for queue.workers.<name>.
func FromConfig(cfg *config.Config, name string, logger *zap.Logger, m *metrics.Collector) (*Consumer, error) {
	wc, ok := cfg.QueueWorker(name)
	if !ok {
		return nil, types.NewConfigurationError(ServicePrefix+name, "not configured", types.ErrUnknownService)
	}
	storeCfg, err := cfg.Store(wc.Connection)
	if err != nil {
		return nil, err
	}
	return NewConsumer(Options{
		Queue:   name,
		Count:   wc.Number,
		Delay:   time.Duration(wc.Delay) * time.Second,
		Sleep:   time.Duration(wc.Sleep) * time.Second,
		Timeout: time.Duration(wc.Timeout) * time.Second,
		Tries:   wc.Tries,
		Host:    wc.Host,
		Port:    wc.Port,
		Open: func(ctx context.Context) (Store, error) {
			return Open(ctx, storeCfg, cfg.RuntimePath, logger)
		},
		Logger:  logger,
		Metrics: m,
	})
}

func (c *Consumer) OnWorkerStart(w *runtime.Worker) error {
	c.w = w
	store, err := c.opts.Open(context.Background())
	if err != nil {
		return fmt.Errorf("queue %s: open store: %w", c.opts.Queue, err)
	}
	c.store = store
	c.logger.Info("consumer started",
		zap.Int("worker", w.ID()),
		zap.Duration("timeout", c.opts.Timeout),
		zap.Duration("sleep", c.opts.Sleep),
		zap.Int("tries", c.opts.Tries))
	w.Post(c.tick)
	return nil
}

func (c *Consumer) OnWorkerStop(w *runtime.Worker) {
	if c.idle != 0 {
		w.CancelTimer(c.idle)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("close store", zap.Error(err))
		}
	}
}

// OnMessage answers "stats" on the optional text socket.
func (c *Consumer) OnMessage(conn runtime.Conn, msg any) {
	cmd, _ := msg.(string)
	if strings.TrimSpace(cmd) != "stats" {
		_ = conn.Send("unknown command")
		return
	}
	st, err := c.store.Stats(context.Background(), c.opts.Queue)
	if err != nil {
		_ = conn.Send("error: " + err.Error())
		return
	}
	out, _ := json.Marshal(st)
	_ = conn.Send(string(out))
}

// tick is one loop iteration.
func (c *Consumer) tick() {
	c.idle = 0
	if c.w.Stopping() {
		return
	}

	dog := time.AfterFunc(c.opts.Timeout, c.watchdog)
	job, err := c.store.Claim(context.Background(), c.opts.Queue, c.opts.Delay, c.opts.Tries)
	if err != nil || job == nil {
		dog.Stop()
		if err != nil {
			c.logger.Error("claim failed", zap.Error(err))
		}
		c.idle = c.w.AddTimer(c.opts.Sleep, c.tick, false)
		return
	}

	c.current.Store(job)
	start := time.Now()
	runErr := c.run(job)
	result := "done"
	if runErr == nil {
		err = c.store.Complete(context.Background(), job.ID)
	} else {
		result = "failed"
		c.logger.Warn("job failed",
			zap.String("job", string(job.ID)),
			zap.String("name", job.Name),
			zap.Int("attempt", job.Attempts),
			zap.Error(runErr))
		err = c.store.Fail(context.Background(), job.ID, runErr, c.opts.Tries)
	}
	if err != nil {
		c.logger.Error("cannot record job result", zap.String("job", string(job.ID)), zap.Error(err))
	}
	dog.Stop()
	c.current.Store(nil)
	c.opts.Metrics.RecordJob(c.opts.Queue, result, time.Since(start))
	c.w.Post(c.tick)
}

func (c *Consumer) run(job *types.Job) (err error) {
	defer service.Recover("job "+job.Name, &err)
	h, ok := c.opts.Lookup(job.Name)
	if !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	return h.Handle(ctx, job)
}

// watchdog runs on its own goroutine while the loop is busy with a job.
func (c *Consumer) watchdog() {
	fields := []zap.Field{zap.Error(&types.WatchdogTimeout{Queue: c.opts.Queue, Timeout: c.opts.Timeout})}
	if job := c.current.Load(); job != nil {
		fields = append(fields, zap.String("job", string(job.ID)), zap.String("name", job.Name))
	}
	c.logger.Error("watchdog expired, restarting worker", fields...)
	c.opts.Metrics.RecordWatchdogRestart(c.opts.Queue)
	if err := c.Restart(false); err != nil {
		c.logger.Error("restart failed", zap.Error(err))
	}
}
