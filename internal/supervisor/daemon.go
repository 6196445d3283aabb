package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/ChuLiYu/warden/pkg/types"
)

// EnvDaemon marks the detached copy of the master.
const EnvDaemon = "WARDEN_DAEMONIZED"

// Daemonized reports whether this process is the detached master.
func Daemonized() bool { return os.Getenv(EnvDaemon) == "1" }

// Daemonize starts a detached copy of this binary in a new session with
// stdout and stderr appended to the runtime stdout file, and returns its
// pid. The caller should exit afterwards.
func Daemonize(paths Paths) (int, error) {
	if err := paths.Prepare(); err != nil {
		return 0, err
	}
	exe, err := os.Executable()
	if err != nil {
		return 0, types.NewConfigurationError("daemon", "locate executable", err)
	}
	out, err := os.OpenFile(paths.StdoutFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, types.NewConfigurationError("daemon", "Write without permission "+paths.StdoutFile, err)
	}
	defer out.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), EnvDaemon+"=1")
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
