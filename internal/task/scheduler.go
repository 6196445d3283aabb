package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

const (
	// ServiceName is the scheduler's service name.
	ServiceName = "task"
	// ServerName is recorded with SetRunningServer.
	ServerName = "warden"
	// DefaultBackoff is the idle wait between empty polls.
	DefaultBackoff = 3 * time.Second
)

// Handler executes one task.
type Handler func(ctx context.Context, rec *types.TaskRecord) error

var (
	handlersMu sync.RWMutex
	handlers   = map[string]Handler{}
)

// RegisterHandler binds a task name to h. It panics on duplicates.
func RegisterHandler(name string, h Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if _, dup := handlers[name]; dup {
		panic("task: RegisterHandler called twice for " + name)
	}
	handlers[name] = h
}

// LookupHandler finds the handler for a task name.
func LookupHandler(name string) (Handler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[name]
	return h, ok
}

// HandlerNames lists registered task names.
func HandlerNames() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	out := make([]string, 0, len(handlers))
	for k := range handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Options configures a Scheduler.
type Options struct {
	Count   int
	Backoff time.Duration
	Open    func() (*Store, error)
	Lookup  func(name string) (Handler, bool)
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Scheduler is the task scheduler service. It has no socket and no
// watchdog; failures are recorded on the task.
type Scheduler struct {
	*service.Base

	opts   Options
	logger *zap.Logger
	pid    int

	// loop-owned
	w     *runtime.Worker
	store *Store
	idle  runtime.TimerID
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Open == nil {
		return nil, types.NewConfigurationError(ServiceName, "no store", nil)
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Lookup == nil {
		opts.Lookup = LookupHandler
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{opts: opts, logger: logger.Named("task"), pid: os.Getpid()}
	base, err := service.New(service.Descriptor{
		Socket:  service.SocketNone,
		Options: service.Options{Name: ServiceName, Count: opts.Count},
	}, s)
	if err != nil {
		return nil, err
	}
	s.Base = base
	return s, nil
}

// FromConfig builds the scheduler from the task section.
func FromConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Collector) (*Scheduler, error) {
	return NewScheduler(Options{
		Count:   cfg.Task.WorkerNum,
		Backoff: time.Duration(cfg.Task.Backoff) * time.Second,
		Open:    func() (*Store, error) { return Open(cfg.Task.Store, cfg.RuntimePath, logger) },
		Logger:  logger,
		Metrics: m,
	})
}

func (s *Scheduler) OnWorkerStart(w *runtime.Worker) error {
	s.w = w
	store, err := s.opts.Open()
	if err != nil {
		return fmt.Errorf("task: open store: %w", err)
	}
	s.store = store
	s.logger.Info("scheduler started", zap.Int("pid", s.pid), zap.Duration("backoff", s.opts.Backoff))
	w.Post(s.tick)
	return nil
}

func (s *Scheduler) OnWorkerStop(w *runtime.Worker) {
	if s.idle != 0 {
		w.CancelTimer(s.idle)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *Scheduler) tick() {
	s.idle = 0
	if s.w.Stopping() {
		return
	}
	ctx := context.Background()
	if err := s.store.SetRunningServer(ctx, s.pid, ServerName); err != nil {
		s.logger.Warn("record running server", zap.Error(err))
	}

	rec, err := s.store.NextDue(ctx)
	if err != nil || rec == nil {
		if err != nil {
			s.logger.Error("fetch next task", zap.Error(err))
		}
		s.idle = s.w.AddTimer(s.opts.Backoff, s.tick, false)
		return
	}

	if err := s.store.Run(ctx, rec.ID, s.pid); err != nil {
		if !errors.Is(err, ErrTaskTaken) {
			s.logger.Error("start task", zap.Int64("task", rec.ID), zap.Error(err))
			s.idle = s.w.AddTimer(s.opts.Backoff, s.tick, false)
			return
		}
		s.w.Post(s.tick)
		return
	}

	runErr := s.execute(ctx, rec)
	result := "success"
	if runErr != nil {
		result = "failed"
		s.logger.Warn("task failed", zap.Int64("task", rec.ID), zap.String("name", rec.Name), zap.Error(runErr))
	}
	if err := s.store.Finish(ctx, rec.ID, runErr); err != nil {
		s.logger.Error("finish task", zap.Int64("task", rec.ID), zap.Error(err))
	}
	s.opts.Metrics.RecordTask(result)
	s.w.Post(s.tick)
}

func (s *Scheduler) execute(ctx context.Context, rec *types.TaskRecord) (err error) {
	defer service.Recover("task "+rec.Name, &err)
	h, ok := s.opts.Lookup(rec.Name)
	if !ok {
		return fmt.Errorf("no handler registered for task %q", rec.Name)
	}
	return h(ctx, rec)
}
