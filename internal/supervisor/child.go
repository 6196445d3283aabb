package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Environment of a worker process.
const (
	EnvService = "WARDEN_WORKER_SERVICE"
	EnvID      = "WARDEN_WORKER_ID"
)

// ChildFromEnv reports whether this process was spawned as a worker, and
// which one.
func ChildFromEnv() (service string, id int, ok bool) {
	service = os.Getenv(EnvService)
	if service == "" {
		return "", 0, false
	}
	id, err := strconv.Atoi(os.Getenv(EnvID))
	if err != nil || id < 0 {
		return "", 0, false
	}
	return service, id, true
}

func selfCommand(paths Paths) (func(string, int) *exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, types.NewConfigurationError("supervisor", "locate executable", err)
	}
	args := os.Args[1:]
	return func(service string, id int) *exec.Cmd {
		cmd := exec.Command(exe, args...)
		cmd.Env = append(os.Environ(), EnvService+"="+service, EnvID+"="+strconv.Itoa(id))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}, nil
}

// ChildOptions configures RunChild.
type ChildOptions struct {
	Config  *config.Config
	Paths   Paths
	Service string
	ID      int
	Host    string
	Port    int
	Logger  *zap.Logger
	// Control defaults to runtime.ProcessControl.
	Control runtime.Control
}

// RunChild runs worker ID of one service in this process and returns the
// exit code the process should end with.
func RunChild(ctx context.Context, opts ChildOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	control := opts.Control
	if control == nil {
		control = runtime.ProcessControl{}
	}

	sel, err := ParseSelection(opts.Service)
	if err != nil {
		return runtime.ExitFatal, err
	}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, opts.Service)
	entries, err := Build(opts.Config, sel, Deps{
		Logger:  logger,
		Metrics: collector,
		Host:    opts.Host,
		Port:    opts.Port,
	})
	if err != nil {
		return runtime.ExitFatal, err
	}
	var svc service.Service
	for _, e := range entries {
		if e.Name == opts.Service {
			svc = e.Service
		}
	}
	if svc == nil {
		return runtime.ExitFatal, types.NewConfigurationError(opts.Service, "service not found in catalog", types.ErrUnknownService)
	}

	var current atomic.Pointer[runtime.Worker]
	stop, err := serveWorkerSocket(opts.Paths.WorkerSocket(opts.Service, opts.ID), reg, &current)
	if err != nil {
		logger.Warn("worker socket unavailable", zap.Error(err))
	} else {
		defer stop()
	}

	err = svc.Start(ctx, opts.ID, service.Env{
		Control: control,
		Logger:  logger,
		Metrics: collector,
		Signals: true,
		Ready:   func(w *runtime.Worker) { current.Store(w) },
	})
	code := svc.ExitCode()
	if err != nil && code == runtime.ExitOK {
		code = runtime.ExitFatal
	}
	return code, err
}

// serveWorkerSocket exposes /metrics and /connections of this worker
// process to the master.
func serveWorkerSocket(path string, reg *prometheus.Registry, current *atomic.Pointer[runtime.Worker]) (func(), error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(routeConnections, func(w http.ResponseWriter, _ *http.Request) {
		conns := []types.ConnectionInfo{}
		if wk := current.Load(); wk != nil {
			conns = wk.Connections()
		}
		writeJSON(w, conns)
	})
	srv := metrics.StartServer(ln, mux, reg)
	return func() {
		_ = srv.Close()
		_ = os.Remove(path)
	}, nil
}

func fetchConnections(ctx context.Context, socket string) ([]types.ConnectionInfo, error) {
	var out []types.ConnectionInfo
	err := NewControlClient(socket, 2*time.Second).do(ctx, http.MethodGet, routeConnections, &out)
	return out, err
}
