// Package app defines the contract between the protocol bridges and the
// embedded application: the bridged request/response shapes, the scoped
// output sink and the application lifecycle.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/warden/pkg/types"
)

// Application is one embedded application instance. A worker process owns
// exactly one instance and calls Initialize once before any request.
type Application interface {
	// Initialize prepares per-process state (connections, caches).
	Initialize(ctx context.Context) error
	// Reset clears per-request state (timers, counters) before each dynamic
	// request so nothing leaks between requests sharing a process.
	Reset()
	// HandleRequest serves one request. Anything the application writes
	// outside its Response goes to out.
	HandleRequest(req *Request, out *Output) (*Response, error)
	// Render converts a failure into a best-effort response.
	Render(req *Request, failure error) *Response
}

// Terminator is implemented by applications that need a hook after the
// response is built (flushing sessions, access logs).
type Terminator interface {
	End(req *Request, resp *Response)
}

// Closer releases per-process resources when the worker stops.
type Closer interface {
	Close() error
}

// Factory creates a fresh application instance.
type Factory func() Application

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes an application available under name. The empty name is
// the default application used when http.application is not configured.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic("app: Register called twice for " + name)
	}
	factories[name] = f
}

// New instantiates the application registered under name.
func New(name string) (Application, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, types.NewConfigurationError("application", fmt.Sprintf("application %q is not registered", name), nil)
	}
	return f(), nil
}

// Names lists registered application names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
