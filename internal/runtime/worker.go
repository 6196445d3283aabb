// ============================================================================
// Warden Runtime - 單一 worker process 的事件迴圈
// ============================================================================
//
// Package: internal/runtime
// File: worker.go
// Purpose: Runs one worker of one service: a listener (optional), a
//          connection table and a single loop goroutine that executes every
//          lifecycle hook in order.
//
// Lifecycle:
//   1. NewWorker(cfg)   - validate the listen address
//   2. Run(ctx)         - OnWorkerStart, open listener, dispatch events
//   3. Stop()/Reload()  - close listener and connections (OnClose each),
//                         OnWorkerStop, return
//
// Signals (child mode only):
//   SIGUSR1        -> OnWorkerReload, then exit with ExitRestart
//   SIGTERM/SIGINT -> graceful stop, exit with ExitOK
//
// ============================================================================

package runtime

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Worker process exit codes understood by the supervisor.
const (
	ExitOK      = 0
	ExitRestart = 75 // respawn immediately
	ExitFatal   = 78 // misconfiguration, do not respawn
)

// Control is how a worker talks to its supervisor.
type Control interface {
	// ReloadAll asks the master to restart every worker of every service.
	ReloadAll() error
	// RestartSelf terminates this worker process right away so the master
	// respawns it. It does not return in production.
	RestartSelf(code int)
}

// ProcessControl signals the parent process, which is the master when the
// worker was spawned by the supervisor.
type ProcessControl struct{}

func (ProcessControl) ReloadAll() error {
	ppid := os.Getppid()
	if ppid <= 1 {
		return types.ErrNotRunning
	}
	return unix.Kill(ppid, unix.SIGUSR1)
}

func (ProcessControl) RestartSelf(code int) {
	_ = zap.L().Sync()
	os.Exit(code)
}

// Config describes one worker.
type Config struct {
	Service string
	ID      int
	// Listen is "scheme://host:port"; empty means no listener.
	Listen string
	// Transport is "tcp" (default) or "ssl".
	Transport     string
	TLS           *tls.Config
	ReusePort     bool
	MaxSendBuffer int
	Hooks         Hooks
	Control       Control
	Logger        *zap.Logger
	Metrics       *metrics.Collector
	// Signals makes the worker react to SIGUSR1/SIGTERM/SIGINT.
	Signals bool
}

// Worker runs one service instance inside the current process.
type Worker struct {
	name          string
	id            int
	cfg           Config
	hooks         Hooks
	loop          *Loop
	logger        *zap.Logger
	metrics       *metrics.Collector
	control       Control
	maxSendBuffer int

	connSeq atomic.Uint64
	connMu  sync.RWMutex
	conns   map[uint64]closer

	addr     net.Addr
	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	exitCode atomic.Int32
}

type closer interface {
	Conn
	shutdown()
}

// NewWorker validates cfg and prepares a worker. Nothing is opened until Run.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Listen != "" {
		if _, err := ParseListen(cfg.Listen); err != nil {
			return nil, err
		}
	}
	if cfg.Transport == "ssl" && cfg.TLS == nil {
		return nil, types.NewConfigurationError(cfg.Service, "transport ssl without certificate", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	control := cfg.Control
	if control == nil {
		control = ProcessControl{}
	}
	maxBuf := cfg.MaxSendBuffer
	if maxBuf <= 0 {
		maxBuf = DefaultMaxSendBuffer
	}
	return &Worker{
		name:          cfg.Service,
		id:            cfg.ID,
		cfg:           cfg,
		hooks:         cfg.Hooks,
		loop:          NewLoop(),
		logger:        logger.With(zap.String("service", cfg.Service), zap.Int("worker", cfg.ID)),
		metrics:       cfg.Metrics,
		control:       control,
		maxSendBuffer: maxBuf,
		conns:         make(map[uint64]closer),
		ready:         make(chan struct{}),
		stopCh:        make(chan struct{}),
	}, nil
}

func (w *Worker) Name() string { return w.name }
func (w *Worker) ID() int { return w.id }
func (w *Worker) Loop() *Loop { return w.loop }
func (w *Worker) Logger() *zap.Logger { return w.logger }
func (w *Worker) ExitCode() int { return int(w.exitCode.Load()) }

// Addr is the bound listener address; valid after Ready is closed.
func (w *Worker) Addr() net.Addr { return w.addr }

// Ready is closed once OnWorkerStart returned and the listener is open.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Post runs fn on the loop goroutine.
func (w *Worker) Post(fn func()) bool { return w.loop.Post(fn) }

// AddTimer schedules fn on the loop goroutine.
func (w *Worker) AddTimer(interval time.Duration, fn func(), persistent bool) TimerID {
	return w.loop.AddTimer(interval, fn, persistent)
}

// CancelTimer disarms a timer added with AddTimer.
func (w *Worker) CancelTimer(id TimerID) bool { return w.loop.CancelTimer(id) }

// Stop ends Run gracefully.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Stopping reports whether Stop was called. Work that re-posts itself
// checks it so Drain terminates.
func (w *Worker) Stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Reload runs OnWorkerReload on the loop and stops the worker with
// ExitRestart so the supervisor starts a fresh process.
func (w *Worker) Reload() {
	w.loop.Post(func() {
		w.fireWorkerReload()
		w.exitCode.Store(ExitRestart)
		w.Stop()
	})
}

// ReloadAll asks the supervisor to reload every service.
func (w *Worker) ReloadAll() error { return w.control.ReloadAll() }

// RestartSelf exits this worker process immediately; in-flight work is not
// drained. Safe to call from any goroutine.
func (w *Worker) RestartSelf() {
	w.logger.Warn("worker restarting")
	w.exitCode.Store(ExitRestart)
	w.control.RestartSelf(ExitRestart)
}

// Connections lists live connections ordered by id.
func (w *Worker) Connections() []types.ConnectionInfo {
	w.connMu.RLock()
	out := make([]types.ConnectionInfo, 0, len(w.conns))
	for _, c := range w.conns {
		out = append(out, c.Info())
	}
	w.connMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectionCount returns the number of live connections.
func (w *Worker) ConnectionCount() int {
	w.connMu.RLock()
	defer w.connMu.RUnlock()
	return len(w.conns)
}

func (w *Worker) nextConnID() uint64 { return w.connSeq.Add(1) }

func (w *Worker) addConn(c closer) {
	w.connMu.Lock()
	w.conns[c.ID()] = c
	w.connMu.Unlock()
}

func (w *Worker) removeConn(id uint64) {
	w.connMu.Lock()
	delete(w.conns, id)
	w.connMu.Unlock()
}

// Run blocks until the worker stops. OnWorkerStart runs exactly once, before
// the listener accepts anything.
func (w *Worker) Run(ctx context.Context) error {
	sctx := stopper.WithContext(ctx)
	defer func() {
		sctx.Stop(100 * time.Millisecond)
		_ = sctx.Wait()
	}()

	if w.cfg.Signals {
		w.watchSignals(sctx)
	}

	if err := w.fireWorkerStart(); err != nil {
		w.loop.Close()
		w.exitCode.Store(ExitFatal)
		return fmt.Errorf("%s#%d: worker start: %w", w.name, w.id, err)
	}

	var closeListener func()
	if w.cfg.Listen != "" {
		stop, err := w.listen(sctx)
		if err != nil {
			w.finish()
			w.exitCode.Store(ExitFatal)
			return fmt.Errorf("%s#%d: listen: %w", w.name, w.id, err)
		}
		closeListener = stop
	}
	close(w.ready)
	w.logger.Debug("worker started", zap.String("listen", w.cfg.Listen))

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	}()
	w.loop.Run(w.stopCh)

	if closeListener != nil {
		closeListener()
	}
	w.connMu.RLock()
	live := make([]closer, 0, len(w.conns))
	for _, c := range w.conns {
		live = append(live, c)
	}
	w.connMu.RUnlock()
	for _, c := range live {
		c.shutdown()
	}
	w.finish()
	w.logger.Debug("worker stopped", zap.Int("exit_code", w.ExitCode()))
	return nil
}

// finish runs what is still queued, then OnWorkerStop, then closes the loop.
func (w *Worker) finish() {
	w.loop.Drain()
	w.fireWorkerStop()
	w.loop.Close()
}

func (w *Worker) listen(sctx *stopper.Context) (func(), error) {
	addr, err := ParseListen(w.cfg.Listen)
	if err != nil {
		return nil, err
	}
	ln, err := Listen(sctx, addr.HostPort(), w.cfg.ReusePort)
	if err != nil {
		return nil, err
	}
	if w.cfg.Transport == "ssl" {
		ln = tls.NewListener(ln, w.cfg.TLS)
	}
	w.addr = ln.Addr()

	switch addr.Scheme {
	case SchemeHTTP, SchemeWebSocket:
		srv := w.newHTTPServer()
		if addr.Scheme == SchemeWebSocket {
			srv = w.newWebSocketServer()
		}
		sctx.Go(func(*stopper.Context) error {
			if err := serveErr(srv.Serve(ln)); err != nil {
				w.logger.Error("serve failed", zap.Error(err))
				return err
			}
			return nil
		})
		return func() { _ = srv.Close() }, nil

	default:
		text := addr.Scheme == SchemeText
		sctx.Go(func(*stopper.Context) error {
			for {
				nc, err := ln.Accept()
				if err != nil {
					if errors.Is(err, net.ErrClosed) {
						return nil
					}
					w.logger.Warn("accept failed", zap.Error(err))
					return err
				}
				w.acceptStream(nc, text)
			}
		})
		return func() { _ = ln.Close() }, nil
	}
}

func (w *Worker) acceptStream(nc net.Conn, text bool) {
	proto, enc := SchemeTCP, encodeRaw
	if text {
		proto, enc = SchemeText, encodeText
	}
	c := newStreamConn(w, proto, nc.RemoteAddr().String(), &netTransport{nc: nc}, enc)
	w.addConn(c)
	w.loop.Post(func() { w.fireConnect(c) })
	go c.writeLoop()
	if text {
		go c.readText(nc)
	} else {
		go c.readRaw(nc)
	}
}

func (w *Worker) watchSignals(sctx *stopper.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1, unix.SIGTERM, unix.SIGINT)
	sctx.Go(func(s *stopper.Context) error {
		defer signal.Stop(ch)
		for {
			select {
			case <-s.Stopping():
				return nil
			case sig := <-ch:
				if sig == unix.SIGUSR1 {
					w.logger.Info("reload signal received")
					w.Reload()
				} else {
					w.logger.Info("stop signal received", zap.String("signal", sig.String()))
					w.Stop()
				}
			}
		}
	})
}
