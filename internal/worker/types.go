package worker

import (
	"os/exec"
	"time"
)

// Spec 描述一個 service 的全部 worker process
type Spec struct {
	Service string
	Count   int
	// Command builds the command for worker id. It is called on every
	// spawn, so env and output files may differ between restarts.
	Command func(id int) *exec.Cmd
}

// Exit reasons reported to OnExit.
const (
	ReasonRestart = "restart" // worker asked for it (watchdog, restart(false))
	ReasonReload  = "reload"  // master sent SIGUSR1
	ReasonCrash   = "crash"   // unexpected exit or signal
	ReasonFatal   = "fatal"   // misconfiguration, not respawned
	ReasonStop    = "stop"    // pool is stopping
)

// Exit 代表一次 worker process 結束
type Exit struct {
	Service string
	ID      int
	PID     int
	Code    int
	Uptime  time.Duration
	Reason  string
}

// Backoff controls respawn delays for processes that crash shortly after
// starting. Requested restarts are always immediate.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	StableAfter time.Duration
}

// DefaultBackoff is used when Options.Backoff is zero.
var DefaultBackoff = Backoff{
	Min:         100 * time.Millisecond,
	Max:         10 * time.Second,
	StableAfter: 5 * time.Second,
}

func (b Backoff) delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := b.Min
	for i := 1; i < failures && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}
