// ============================================================================
// Warden Service - 服務基礎契約
// ============================================================================
//
// Package: internal/service
// File: service.go
// Purpose: Every service (http bridge, gateway roles, queue consumer, task
//          scheduler, custom servers) embeds *Base. Base owns the
//          descriptor, the resolved hook set and the running worker.
//
// Usage:
//   type EchoServer struct{ *service.Base }
//
//   func NewEcho() (*EchoServer, error) {
//       s := &EchoServer{}
//       base, err := service.New(service.Descriptor{Protocol: "text", Port: 1234}, s)
//       s.Base = base
//       return s, err
//   }
//
//   func (s *EchoServer) OnMessage(c runtime.Conn, msg any) { _ = c.Send(msg) }
//
// ============================================================================

package service

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/pkg/types"
)

// ErrNotStarted is returned by Restart before Start was called.
var ErrNotStarted = errors.New("service worker not started")

// Service is what the supervisor runs.
type Service interface {
	Name() string
	Count() int
	Descriptor() Descriptor
	// Start runs worker workerID of this service and blocks until it stops.
	Start(ctx context.Context, workerID int, env Env) error
	// ExitCode is the process exit code requested by the worker.
	ExitCode() int
}

// Env carries per-process collaborators into Start.
type Env struct {
	Control runtime.Control
	Logger  *zap.Logger
	// Metrics counts recovered hook failures; nil disables counting.
	Metrics *metrics.Collector
	// Signals lets the worker handle SIGUSR1/SIGTERM/SIGINT itself.
	Signals bool
	// Ready, if set, is called once the worker accepts events.
	Ready func(w *runtime.Worker)
}

// Base implements the bookkeeping half of Service.
type Base struct {
	mu     sync.Mutex
	desc   Descriptor
	hooks  runtime.Hooks
	worker *runtime.Worker
}

// New validates desc and resolves the hooks impl implements. impl is usually
// the struct that embeds the returned *Base.
func New(desc Descriptor, impl any) (*Base, error) {
	b := &Base{}
	if err := b.Configure(desc); err != nil {
		return nil, err
	}
	b.hooks = ResolveHooks(impl)
	return b, nil
}

// Configure replaces the descriptor after validating it.
func (b *Base) Configure(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.Options.Count < 1 {
		desc.Options.Count = 1
	}
	b.mu.Lock()
	b.desc = desc
	b.mu.Unlock()
	return nil
}

// SetOption applies listener options. Unknown keys are kept opaque in
// Options.Extra.
func (b *Base) SetOption(opts map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.desc.Options.applyOptions(opts)
	if b.desc.Options.Count < 1 {
		b.desc.Options.Count = 1
	}
}

func (b *Base) Descriptor() Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desc
}

func (b *Base) Name() string { return b.Descriptor().Options.Name }

func (b *Base) Count() int { return b.Descriptor().Options.Count }

// Hooks returns the resolved hook set.
func (b *Base) Hooks() runtime.Hooks { return b.hooks }

// Worker is the running worker, nil before Start.
func (b *Base) Worker() *runtime.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.worker
}

// Start registers the hook set with a new runtime worker and blocks in its
// event loop.
func (b *Base) Start(ctx context.Context, workerID int, env Env) error {
	desc := b.Descriptor()

	var tlsCfg *tls.Config
	if desc.Options.Transport == "ssl" {
		var err error
		tlsCfg, err = runtime.TLSFromFiles(
			contextString(desc.Context, "ssl", "local_cert"),
			contextString(desc.Context, "ssl", "local_pk"),
		)
		if err != nil {
			return err
		}
	}

	hooks := b.hooks
	if env.Ready != nil {
		start := hooks.OnWorkerStart
		hooks.OnWorkerStart = func(w *runtime.Worker) error {
			if start != nil {
				if err := start(w); err != nil {
					return err
				}
			}
			env.Ready(w)
			return nil
		}
	}

	w, err := runtime.NewWorker(runtime.Config{
		Service:       desc.Options.Name,
		ID:            workerID,
		Listen:        desc.Listen(),
		Transport:     desc.Options.Transport,
		TLS:           tlsCfg,
		ReusePort:     desc.Options.ReusePort || desc.Options.Count > 1,
		MaxSendBuffer: desc.Options.MaxSendBuffer,
		Hooks:         hooks,
		Control:       env.Control,
		Logger:        env.Logger,
		Metrics:       env.Metrics,
		Signals:       env.Signals,
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.worker = w
	b.mu.Unlock()
	return w.Run(ctx)
}

// ExitCode reports the exit code the worker asked for.
func (b *Base) ExitCode() int {
	if w := b.Worker(); w != nil {
		return w.ExitCode()
	}
	return runtime.ExitOK
}

// Restart with all=true asks the supervisor to reload every service.
// Otherwise only this worker process ends, right away, and the supervisor
// starts a new one.
func (b *Base) Restart(all bool) error {
	w := b.Worker()
	if w == nil {
		return ErrNotStarted
	}
	if all {
		if err := w.ReloadAll(); err != nil {
			w.Logger().Error("reload request failed", zap.Error(err))
			return err
		}
		return nil
	}
	w.RestartSelf()
	return nil
}

// Recover turns a panic in application code into a HandlerFailure stored in
// *errp. Use as: defer service.Recover("onMessage", &err).
func Recover(hook string, errp *error) {
	if f := types.Recover(hook, recover()); f != nil {
		*errp = f
	}
}
