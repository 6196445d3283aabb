// ============================================================================
// Warden Worker - 單一 worker process 的監督單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Keeps one process slot of a service alive: spawn the process,
//          wait for it, decide from its exit code whether and when to spawn
//          the next one.
//
// Exit code handling:
//   ExitRestart (75) -> respawn immediately (watchdog, restart(false))
//   ExitFatal   (78) -> slot gives up, never respawned
//   SIGUSR1 sent     -> reported as reload, respawn immediately
//   anything else    -> crash, respawn with exponential backoff unless the
//                       process had been up for Backoff.StableAfter
//
// Stop:
//   SIGTERM, wait StopTimeout, then SIGKILL.
//
// ============================================================================

package worker

import (
	"errors"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Worker supervises one process slot.
type Worker struct {
	service     string
	id          int
	command     func(id int) *exec.Cmd
	backoff     Backoff
	stopTimeout time.Duration
	onExit      func(Exit)
	logger      *zap.Logger

	mu        sync.Mutex
	proc      *exec.Cmd
	pid       int
	startedAt time.Time
	restarts  int
	spawned   bool
	running   bool
	failed    bool
	reloading bool
}

func newWorker(spec Spec, id int, opts Options) *Worker {
	return &Worker{
		service:     spec.Service,
		id:          id,
		command:     spec.Command,
		backoff:     opts.Backoff,
		stopTimeout: opts.StopTimeout,
		onExit:      opts.OnExit,
		logger:      opts.Logger.With(zap.String("service", spec.Service), zap.Int("worker", id)),
	}
}

// run is the supervision loop. It returns when the pool stops or the
// process asked not to be respawned.
func (w *Worker) run(sctx *stopper.Context) error {
	failures := 0
	for !stopping(sctx) {
		cmd := w.command(w.id)
		if err := cmd.Start(); err != nil {
			failures++
			w.logger.Error("spawn failed", zap.Error(err), zap.Int("failures", failures))
			if !sleep(sctx, w.backoff.delay(failures)) {
				return nil
			}
			continue
		}

		started := time.Now()
		w.started(cmd, started)
		w.logger.Info("worker process started", zap.Int("pid", cmd.Process.Pid))

		waitCh := make(chan error, 1)
		go func() { waitCh <- cmd.Wait() }()

		var werr error
		halted := false
		select {
		case werr = <-waitCh:
			halted = stopping(sctx)
		case <-sctx.Stopping():
			halted = true
			werr = w.terminate(cmd, waitCh)
		case <-sctx.Done():
			halted = true
			werr = w.terminate(cmd, waitCh)
		}

		ev := Exit{
			Service: w.service,
			ID:      w.id,
			PID:     cmd.Process.Pid,
			Code:    exitCode(cmd, werr),
			Uptime:  time.Since(started),
		}
		ev.Reason = w.exited(ev.Code, halted)
		w.logger.Info("worker process exited",
			zap.Int("pid", ev.PID), zap.Int("code", ev.Code),
			zap.String("reason", ev.Reason), zap.Duration("uptime", ev.Uptime))
		if w.onExit != nil {
			w.onExit(ev)
		}

		switch ev.Reason {
		case ReasonStop, ReasonFatal:
			return nil
		case ReasonRestart, ReasonReload:
			failures = 0
		default:
			if ev.Uptime >= w.backoff.StableAfter {
				failures = 0
			}
			failures++
			if !sleep(sctx, w.backoff.delay(failures)) {
				return nil
			}
		}
	}
	return nil
}

func (w *Worker) started(cmd *exec.Cmd, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.spawned {
		w.restarts++
	}
	w.spawned = true
	w.proc = cmd
	w.pid = cmd.Process.Pid
	w.startedAt = at
	w.running = true
	w.reloading = false
}

// exited records the exit and classifies it.
func (w *Worker) exited(code int, halted bool) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.proc = nil
	reloading := w.reloading
	w.reloading = false

	switch {
	case halted:
		return ReasonStop
	case code == runtime.ExitFatal:
		w.failed = true
		return ReasonFatal
	case reloading:
		return ReasonReload
	case code == runtime.ExitRestart:
		return ReasonRestart
	default:
		return ReasonCrash
	}
}

func (w *Worker) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	_ = cmd.Process.Signal(unix.SIGTERM)
	timer := time.NewTimer(w.stopTimeout)
	defer timer.Stop()
	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
		w.logger.Warn("worker process did not stop in time, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		return <-waitCh
	}
}

// signal delivers sig to the running process. Reload signals are remembered
// so the exit is reported as a reload.
func (w *Worker) signal(sig unix.Signal) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.proc == nil {
		return false
	}
	if sig == unix.SIGUSR1 {
		w.reloading = true
	}
	if err := w.proc.Process.Signal(sig); err != nil {
		w.reloading = false
		return false
	}
	return true
}

// State reports the slot as the supervisor sees it.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.WorkerState{
		Service:   w.service,
		Index:     w.id,
		PID:       w.pid,
		StartedAt: w.startedAt,
		Restarts:  w.restarts,
		Running:   w.running,
	}
}

// Failed reports whether the slot gave up after a fatal exit.
func (w *Worker) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// sleep waits d or until the pool stops; false means stopping.
func sleep(sctx *stopper.Context, d time.Duration) bool {
	if d <= 0 {
		return !stopping(sctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-sctx.Stopping():
		return false
	case <-sctx.Done():
		return false
	}
}

func stopping(sctx *stopper.Context) bool {
	return sctx.IsStopping() || sctx.Err() != nil
}
