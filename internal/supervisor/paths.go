package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/warden/pkg/types"
)

// Paths are the files the master owns inside the runtime directory.
type Paths struct {
	Dir           string
	PidFile       string
	LogFile       string
	StdoutFile    string
	StatusFile    string
	ControlSocket string
	WorkerDir     string
}

// NewPaths computes the runtime file layout under dir without touching the
// filesystem.
func NewPaths(dir string) Paths {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return Paths{
		Dir:           dir,
		PidFile:       filepath.Join(dir, "run.pid"),
		LogFile:       filepath.Join(dir, "run.log"),
		StdoutFile:    filepath.Join(dir, "stdout.log"),
		StatusFile:    filepath.Join(dir, "status.json"),
		ControlSocket: filepath.Join(dir, "control.sock"),
		WorkerDir:     filepath.Join(dir, "workers"),
	}
}

// Prepare creates the runtime directories with mode 0755. It fails fast
// with a ConfigurationError when they cannot be created.
func (p Paths) Prepare() error {
	for _, dir := range []string{p.Dir, p.WorkerDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewConfigurationError("runtime", "Write without permission "+dir, err)
		}
	}
	return nil
}

// WorkerSocket is where worker id of service serves /metrics and
// /connections. Unix socket paths are short, so the name is compact.
func (p Paths) WorkerSocket(service string, id int) string {
	return filepath.Join(p.WorkerDir, fmt.Sprintf("%s.%d.sock", service, id))
}
