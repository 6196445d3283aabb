package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/warden/pkg/types"
)

// Handler runs one job. ctx ends when the queue's timeout elapses; the
// watchdog restarts the process shortly after regardless.
type Handler interface {
	Handle(ctx context.Context, job *types.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *types.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *types.Job) error { return f(ctx, job) }

var (
	handlersMu sync.RWMutex
	handlers   = map[string]Handler{}
)

// RegisterHandler binds job name to h. It panics on duplicates.
func RegisterHandler(name string, h Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if _, dup := handlers[name]; dup {
		panic("queue: RegisterHandler called twice for " + name)
	}
	handlers[name] = h
}

// LookupHandler finds the handler for a job name.
func LookupHandler(name string) (Handler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[name]
	return h, ok
}

// HandlerNames lists registered job names.
func HandlerNames() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	out := make([]string, 0, len(handlers))
	for k := range handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
