package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/warden/pkg/types"
)

// WritePid atomically records pid in path.
func WritePid(path string, pid int) error {
	return renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPid reads a pid file. A missing or garbled file means not running.
func ReadPid(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, types.ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: bad pid file %s", types.ErrNotRunning, path)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// RunningPid returns the master pid recorded in path if that process is
// still alive.
func RunningPid(path string) (int, error) {
	pid, err := ReadPid(path)
	if err != nil {
		return 0, err
	}
	if !Alive(pid) {
		return 0, types.ErrNotRunning
	}
	return pid, nil
}

// SignalMaster sends sig to the master recorded in path.
func SignalMaster(path string, sig unix.Signal) (int, error) {
	pid, err := RunningPid(path)
	if err != nil {
		return 0, err
	}
	if err := unix.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	return pid, nil
}

// WaitExit polls until pid is gone or timeout passes.
func WaitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for Alive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}
