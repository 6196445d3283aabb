package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/warden/pkg/types"
)

// Factory builds a custom service for the server.<name> config key. name is
// the config key; the factory should use it for the display name.
type Factory func(name string) (Service, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a custom service available under ref. It panics on a
// duplicate ref, like database/sql drivers.
func Register(ref string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[ref]; dup {
		panic("service: Register called twice for " + ref)
	}
	registry[ref] = f
}

// Build resolves ref and constructs the service.
func Build(ref, name string) (Service, error) {
	registryMu.RLock()
	f, ok := registry[ref]
	registryMu.RUnlock()
	if !ok {
		return nil, types.NewConfigurationError("server."+name, fmt.Sprintf("service %q is not registered", ref), types.ErrUnknownService)
	}
	return f(name)
}

// Registered lists registered refs in order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
