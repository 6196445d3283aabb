package supervisor

// ============================================================================
// Master Test File
// Purpose: Verify process supervision through the control socket, pid file
//          handling, reload by service and shutdown cleanup
// ============================================================================

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/internal/snapshot"
	"github.com/ChuLiYu/warden/internal/worker"
	"github.com/ChuLiYu/warden/pkg/types"
)

// TestHelperProcess plays a worker process spawned by the master.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("WARDEN_SUP_HELPER")
	if mode == "" {
		return
	}
	if mode == "fatal" {
		os.Exit(runtime.ExitFatal)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGTERM)

	svc, id, _ := ChildFromEnv()
	if sock := os.Getenv("WARDEN_SUP_SOCKET"); sock != "" {
		if ln, err := net.Listen("unix", sock); err == nil {
			mux := http.NewServeMux()
			mux.HandleFunc(routeConnections, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, []types.ConnectionInfo{{Service: svc, Worker: id, ID: 1, Protocol: "tcp"}})
			})
			go func() { _ = http.Serve(ln, mux) }()
		}
	}

	select {
	case sig := <-ch:
		if sig == syscall.SIGUSR1 {
			os.Remove(os.Getenv("WARDEN_SUP_SOCKET"))
			os.Exit(runtime.ExitRestart)
		}
	case <-time.After(time.Minute):
	}
	os.Remove(os.Getenv("WARDEN_SUP_SOCKET"))
	os.Exit(0)
}

func idle(t *testing.T, name string) Entry {
	t.Helper()
	svc, err := service.Build(testRef, name)
	require.NoError(t, err)
	return Entry{Name: "server." + name, Service: svc}
}

func newTestMaster(t *testing.T, modes map[string]string, entries ...Entry) *Master {
	t.Helper()
	paths := NewPaths(t.TempDir())
	m, err := NewMaster(MasterOptions{
		Paths:   paths,
		Entries: entries,
		Command: func(svc string, id int) *exec.Cmd {
			cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
			mode := modes[svc]
			if mode == "" {
				mode = "serve"
			}
			cmd.Env = append(os.Environ(),
				"WARDEN_SUP_HELPER="+mode,
				"WARDEN_SUP_SOCKET="+paths.WorkerSocket(svc, id),
				EnvService+"="+svc,
				EnvID+"="+strconv.Itoa(id),
			)
			return cmd
		},
		Backoff:     worker.Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, StableAfter: time.Second},
		StopTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return m
}

func runMaster(t *testing.T, m *Master) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	t.Cleanup(func() {
		m.Stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})
	return done
}

func running(st types.Status) int {
	n := 0
	for _, w := range st.Workers {
		if w.Running && w.PID > 0 {
			n++
		}
	}
	return n
}

func waitRunning(t *testing.T, c *ControlClient, want int) types.Status {
	t.Helper()
	var st types.Status
	require.Eventually(t, func() bool {
		var err error
		st, err = c.Status(context.Background())
		return err == nil && running(st) == want
	}, 10*time.Second, 20*time.Millisecond)
	return st
}

func TestMasterStatusAndConnections(t *testing.T) {
	m := newTestMaster(t, nil, idle(t, "a"), idle(t, "b"))
	runMaster(t, m)
	c := NewControlClient(m.paths.ControlSocket, time.Second)

	st := waitRunning(t, c, 4)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, []string{"server.a", "server.b"}, st.Services)

	pid, err := ReadPid(m.paths.PidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	saved, err := snapshot.NewManager(m.paths.StatusFile).Load()
	require.NoError(t, err)
	assert.Equal(t, st.Services, saved.Services)

	require.Eventually(t, func() bool {
		conns, err := c.Connections(context.Background())
		return err == nil && len(conns) == 4
	}, 10*time.Second, 20*time.Millisecond)
}

func TestMasterReloadOneService(t *testing.T) {
	m := newTestMaster(t, nil, idle(t, "a"), idle(t, "b"))
	runMaster(t, m)
	c := NewControlClient(m.paths.ControlSocket, time.Second)
	waitRunning(t, c, 4)

	require.NoError(t, c.Reload(context.Background(), "server.a"))

	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		if err != nil || running(st) != 4 {
			return false
		}
		for _, w := range st.Workers {
			want := 0
			if w.Service == "server.a" {
				want = 1
			}
			if w.Restarts != want {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	err := c.Reload(context.Background(), "server.nope")
	assert.Error(t, err)
	assert.ErrorIs(t, m.Reload("server.nope"), types.ErrUnknownService)
}

func TestMasterReloadAll(t *testing.T) {
	m := newTestMaster(t, nil, idle(t, "a"), idle(t, "b"))
	runMaster(t, m)
	c := NewControlClient(m.paths.ControlSocket, time.Second)
	waitRunning(t, c, 4)

	require.NoError(t, c.Reload(context.Background(), ""))
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		if err != nil || running(st) != 4 {
			return false
		}
		for _, w := range st.Workers {
			if w.Restarts != 1 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

func TestMasterStopCleansUp(t *testing.T) {
	m := newTestMaster(t, nil, idle(t, "a"))
	done := runMaster(t, m)
	c := NewControlClient(m.paths.ControlSocket, time.Second)
	waitRunning(t, c, 2)

	m.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("master did not stop")
	}

	assert.NoFileExists(t, m.paths.PidFile)
	assert.NoFileExists(t, m.paths.StatusFile)
	assert.NoFileExists(t, m.paths.ControlSocket)

	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, types.ErrNotRunning)
}

func TestMasterRefusesSecondInstance(t *testing.T) {
	m := newTestMaster(t, nil, idle(t, "a"))
	require.NoError(t, WritePid(m.paths.PidFile, os.Getppid()))

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, types.ErrAlreadyRunning)

	pid, err := ReadPid(m.paths.PidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), pid)
}

func TestMasterAllFatal(t *testing.T) {
	m := newTestMaster(t, map[string]string{"server.a": "fatal"}, idle(t, "a"))
	done := runMaster(t, m)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAllFatal)
	case <-time.After(10 * time.Second):
		t.Fatal("master kept running with no live worker")
	}
	assert.NoFileExists(t, m.paths.PidFile)
}

func TestNewMasterRejectsDuplicates(t *testing.T) {
	_, err := NewMaster(MasterOptions{Paths: NewPaths(t.TempDir())})
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	a := idle(t, "a")
	_, err = NewMaster(MasterOptions{
		Paths:   NewPaths(t.TempDir()),
		Entries: []Entry{a, a},
		Command: func(string, int) *exec.Cmd { return exec.Command("true") },
	})
	assert.ErrorAs(t, err, &cfgErr)
}
