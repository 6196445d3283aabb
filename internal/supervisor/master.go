// ============================================================================
// Warden Master - 監督所有 service 的 worker process
// ============================================================================
//
// Package: internal/supervisor
// File: master.go
// Purpose: The master process. One worker.Pool per service, a control
//          socket for the CLI, an optional merged /metrics endpoint and the
//          signal loop.
//
// Signals:
//   SIGUSR1        -> reload every service (worker restart(all=true) ends here)
//   SIGTERM/SIGINT -> stop every pool, remove pid/status/control files
//
// Runtime directory:
//   run.pid, status.json, control.sock, workers/<service>.<id>.sock
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/snapshot"
	"github.com/ChuLiYu/warden/internal/worker"
	"github.com/ChuLiYu/warden/pkg/types"
)

// ErrAllFatal is returned by Run when every worker process exited with
// ExitFatal and nothing is left to supervise.
var ErrAllFatal = errors.New("every worker process exited fatally")

// StatusInterval is how often the status file is refreshed.
const StatusInterval = time.Second

// MasterOptions configures a Master.
type MasterOptions struct {
	Config  *config.Config
	Paths   Paths
	Entries []Entry
	Logger  *zap.Logger
	// Command builds one worker process. The default re-executes the
	// current binary with the child environment set.
	Command     func(service string, id int) *exec.Cmd
	Backoff     worker.Backoff
	StopTimeout time.Duration
	// Signals makes Run handle SIGUSR1/SIGTERM/SIGINT.
	Signals bool
}

// Master supervises the worker processes of every selected service.
type Master struct {
	opts   MasterOptions
	logger *zap.Logger
	paths  Paths

	pools  []*worker.Pool
	byName map[string]*worker.Pool

	reg  *prometheus.Registry
	sup  *metrics.SupervisorCollector
	snap *snapshot.Manager

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewMaster prepares the runtime directory and one pool per entry. No
// process is started until Run.
func NewMaster(opts MasterOptions) (*Master, error) {
	if len(opts.Entries) == 0 {
		return nil, types.NewConfigurationError("supervisor", "no service to run", nil)
	}
	if err := opts.Paths.Prepare(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StopTimeout <= 0 && opts.Config != nil {
		opts.StopTimeout = opts.Config.StopTimeout
	}
	if opts.Command == nil {
		cmd, err := selfCommand(opts.Paths)
		if err != nil {
			return nil, err
		}
		opts.Command = cmd
	}

	reg := prometheus.NewRegistry()
	m := &Master{
		opts:   opts,
		logger: logger.Named("master"),
		paths:  opts.Paths,
		byName: make(map[string]*worker.Pool),
		reg:    reg,
		sup:    metrics.NewSupervisorCollector(reg),
		snap:   snapshot.NewManager(opts.Paths.StatusFile),
		stopCh: make(chan struct{}),
	}

	for _, e := range opts.Entries {
		if _, dup := m.byName[e.Name]; dup {
			return nil, types.NewConfigurationError("supervisor", fmt.Sprintf("service %q selected twice", e.Name), nil)
		}
		name := e.Name
		pool, err := worker.NewPool(worker.Spec{
			Service: name,
			Count:   e.Service.Count(),
			Command: func(id int) *exec.Cmd { return opts.Command(name, id) },
		}, worker.Options{
			Backoff:     opts.Backoff,
			StopTimeout: opts.StopTimeout,
			OnExit:      m.onExit,
			Logger:      m.logger,
		})
		if err != nil {
			return nil, err
		}
		m.pools = append(m.pools, pool)
		m.byName[name] = pool
	}
	return m, nil
}

// Run starts every pool and blocks until ctx is done, Stop is called or a
// stop signal arrives.
func (m *Master) Run(ctx context.Context) error {
	if pid, err := RunningPid(m.paths.PidFile); err == nil && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", types.ErrAlreadyRunning, pid)
	}
	if err := WritePid(m.paths.PidFile, os.Getpid()); err != nil {
		return types.NewConfigurationError("runtime", "Write without permission "+m.paths.PidFile, err)
	}
	m.startedAt = time.Now()
	defer m.cleanup()

	sctx := stopper.WithContext(ctx)
	defer func() {
		sctx.Stop(time.Second)
		_ = sctx.Wait()
	}()

	closeControl, err := m.serveControl()
	if err != nil {
		return err
	}
	defer closeControl()

	if cfg := m.opts.Config; cfg != nil && cfg.Metrics.Enable {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.Port)))
		if err != nil {
			return types.NewConfigurationError("metrics", "listen", err)
		}
		srv := metrics.StartServer(ln, nil, metrics.Merged(m.reg, &metrics.ChildGatherer{Targets: m.targets}))
		defer srv.Close()
		m.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	}

	for _, p := range m.pools {
		if err := p.Start(sctx); err != nil {
			m.stopPools()
			return err
		}
	}
	m.logger.Info("master started", zap.Int("pid", os.Getpid()), zap.Strings("services", m.Services()))

	var sigCh chan os.Signal
	if m.opts.Signals {
		sigCh = make(chan os.Signal, 4)
		signal.Notify(sigCh, unix.SIGUSR1, unix.SIGTERM, unix.SIGINT)
		defer signal.Stop(sigCh)
	}

	allDone := make(chan struct{})
	go func() {
		for _, p := range m.pools {
			<-p.Done()
		}
		close(allDone)
	}()

	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()
	m.writeStatus()

	for {
		select {
		case <-ctx.Done():
			m.stopPools()
			return nil
		case <-m.stopCh:
			m.stopPools()
			return nil
		case sig := <-sigCh:
			if sig == unix.SIGUSR1 {
				m.logger.Info("reload signal received")
				_ = m.Reload("")
				continue
			}
			m.logger.Info("stop signal received", zap.String("signal", sig.String()))
			m.stopPools()
			return nil
		case <-allDone:
			m.logger.Error("no worker process left to supervise")
			return ErrAllFatal
		case <-ticker.C:
			m.writeStatus()
		}
	}
}

// Stop ends Run.
func (m *Master) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Reload restarts the worker processes of service, or of every service
// when service is empty.
func (m *Master) Reload(service string) error {
	if service == "" {
		m.sup.RecordReload()
		n := 0
		for _, p := range m.pools {
			n += p.Reload()
		}
		m.logger.Info("reloading all services", zap.Int("processes", n))
		return nil
	}
	// gateway.<name> reloads every role of the triad.
	var matched []*worker.Pool
	if p, ok := m.byName[service]; ok {
		matched = append(matched, p)
	} else {
		for _, p := range m.pools {
			if strings.HasPrefix(p.Service(), service+".") {
				matched = append(matched, p)
			}
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("%w: %s", types.ErrUnknownService, service)
	}
	n := 0
	for _, p := range matched {
		n += p.Reload()
	}
	m.logger.Info("reloading service", zap.String("service", service), zap.Int("processes", n))
	return nil
}

// Services lists supervised service names in start order.
func (m *Master) Services() []string {
	out := make([]string, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Service())
	}
	return out
}

// Status snapshots every pool.
func (m *Master) Status() types.Status {
	st := types.Status{
		PID:       os.Getpid(),
		StartedAt: m.startedAt,
		Services:  m.Services(),
		UpdatedAt: time.Now(),
	}
	for _, p := range m.pools {
		st.Workers = append(st.Workers, p.States()...)
	}
	return st
}

// Connections asks every running worker process for its connections.
// Workers that do not answer are skipped.
func (m *Master) Connections(ctx context.Context) []types.ConnectionInfo {
	var out []types.ConnectionInfo
	for _, t := range m.targets() {
		conns, err := fetchConnections(ctx, t.Socket)
		if err != nil {
			m.logger.Debug("connections unavailable", zap.String("worker", t.Name), zap.Error(err))
			continue
		}
		out = append(out, conns...)
	}
	return out
}

func (m *Master) targets() []metrics.Target {
	var out []metrics.Target
	for _, p := range m.pools {
		for _, s := range p.States() {
			if !s.Running {
				continue
			}
			out = append(out, metrics.Target{
				Name:   fmt.Sprintf("%s.%d", s.Service, s.Index),
				Socket: m.paths.WorkerSocket(s.Service, s.Index),
			})
		}
	}
	return out
}

func (m *Master) onExit(e worker.Exit) {
	if e.Reason == worker.ReasonStop {
		return
	}
	m.sup.RecordRestart(e.Service, e.Reason)
	if e.Reason == worker.ReasonFatal {
		m.logger.Error("worker process exited fatally and will not be restarted",
			zap.String("service", e.Service), zap.Int("worker", e.ID), zap.Int("code", e.Code))
	}
}

func (m *Master) writeStatus() {
	for _, p := range m.pools {
		m.sup.SetProcesses(p.Service(), p.Running())
	}
	if err := m.snap.Write(m.Status()); err != nil {
		m.logger.Warn("write status", zap.Error(err))
	}
}

func (m *Master) stopPools() {
	var wg sync.WaitGroup
	for _, p := range m.pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
	m.logger.Info("all worker processes stopped")
}

func (m *Master) cleanup() {
	_ = m.snap.Remove()
	if pid, err := ReadPid(m.paths.PidFile); err == nil && pid == os.Getpid() {
		_ = os.Remove(m.paths.PidFile)
	}
}

func (m *Master) serveControl() (func(), error) {
	_ = os.Remove(m.paths.ControlSocket)
	ln, err := net.Listen("unix", m.paths.ControlSocket)
	if err != nil {
		return nil, types.NewConfigurationError("runtime", "control socket", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(routeStatus, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, m.Status())
	})
	mux.HandleFunc(routeConnections, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Connections(r.Context()))
	})
	mux.HandleFunc(routeReload, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := m.Reload(r.URL.Query().Get("service")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Warn("control socket stopped", zap.Error(err))
		}
	}()
	return func() {
		_ = srv.Close()
		_ = os.Remove(m.paths.ControlSocket)
	}, nil
}
