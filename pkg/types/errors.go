package types

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// 錯誤分類
// ============================================================================

var (
	// ErrNoBindParameters is returned when a service has neither a socket nor
	// a (protocol, port) pair.
	ErrNoBindParameters = errors.New("socket or (protocol, port) is required")
	// ErrUnknownService means a server.<name> reference is not registered.
	ErrUnknownService = errors.New("unknown service reference")
	// ErrNotRunning means no master process is running for the runtime path.
	ErrNotRunning = errors.New("warden is not running")
	// ErrAlreadyRunning means a live master already owns the pid file.
	ErrAlreadyRunning = errors.New("warden is already running")
)

// Transport error codes reported through OnError.
const (
	CodeConnectFail = 1
	CodeSendFail    = 2
)

// ConfigurationError is fatal at startup: the process does not start.
type ConfigurationError struct {
	Component string
	Reason    string
	Err       error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Component != "" {
		msg += " in " + e.Component
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError is a small helper for the common case.
func NewConfigurationError(component, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Component: component, Reason: reason, Err: err}
}

// HandlerFailure wraps an error or a recovered panic raised by application code.
type HandlerFailure struct {
	Hook  string
	Err   error
	Panic any
}

func (e *HandlerFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s panicked: %v", e.Hook, e.Panic)
	}
	return fmt.Sprintf("handler %s failed: %v", e.Hook, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// Recover converts a recovered value into a HandlerFailure. It returns nil
// when r is nil.
func Recover(hook string, r any) *HandlerFailure {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return &HandlerFailure{Hook: hook, Err: err, Panic: r}
	}
	return &HandlerFailure{Hook: hook, Err: fmt.Errorf("%v", r), Panic: r}
}

// WatchdogTimeout is raised when a queue job overruns its execution window.
// It is never recovered from: the worker process restarts.
type WatchdogTimeout struct {
	Queue   string
	Timeout time.Duration
}

func (e *WatchdogTimeout) Error() string {
	return fmt.Sprintf("queue %s: job exceeded timeout %s", e.Queue, e.Timeout)
}

// TransportError is delivered to OnError hooks.
type TransportError struct {
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Message)
}
