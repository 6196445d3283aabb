package supervisor

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/gateway"
	"github.com/ChuLiYu/warden/internal/httpbridge"
	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/queue"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/internal/task"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Entry is one service the master keeps worker processes for. Name is the
// catalog name; it parses back to a Selection that builds just this entry.
type Entry struct {
	Name    string
	Service service.Service
}

// Deps are shared by every service built from the catalog.
type Deps struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// Host and Port override the listen address of the http bridge and the
	// gateway role (the --host/--port flags).
	Host string
	Port int
}

// Build constructs the services named by sel, in start order.
func Build(cfg *config.Config, sel Selection, deps Deps) ([]Entry, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	var out []Entry
	add := func(name string, svc service.Service, err error) error {
		if err != nil {
			return err
		}
		out = append(out, Entry{Name: name, Service: svc})
		return nil
	}

	switch sel.Kind {
	case SelectAll:
		if cfg.HTTP.Enable {
			if err := add(buildHTTP(cfg, deps)); err != nil {
				return nil, err
			}
		}
		for _, name := range sortedKeys(cfg.Gateway) {
			entries, err := buildGateway(cfg, name, "", deps)
			if err != nil {
				return nil, err
			}
			out = append(out, entries...)
		}
		if cfg.Queue.Enable {
			for _, name := range sortedKeys(cfg.Queue.Workers) {
				if err := add(buildQueue(cfg, name, deps)); err != nil {
					return nil, err
				}
			}
		}
		if cfg.Task.Enable {
			if err := add(buildTask(cfg, deps)); err != nil {
				return nil, err
			}
		}
		for _, name := range sortedKeys(cfg.Server) {
			if err := add(buildServer(cfg, name)); err != nil {
				return nil, err
			}
		}

	case SelectHTTP:
		if err := add(buildHTTP(cfg, deps)); err != nil {
			return nil, err
		}
	case SelectTask:
		if err := add(buildTask(cfg, deps)); err != nil {
			return nil, err
		}
	case SelectQueue:
		if err := add(buildQueue(cfg, sel.Name, deps)); err != nil {
			return nil, err
		}
	case SelectServer:
		if err := add(buildServer(cfg, sel.Name)); err != nil {
			return nil, err
		}
	case SelectGateway:
		entries, err := buildGateway(cfg, sel.Name, sel.Role, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	default:
		return nil, types.NewConfigurationError("supervisor", fmt.Sprintf("unknown selection %q", sel.Kind), nil)
	}

	if len(out) == 0 {
		return nil, types.NewConfigurationError("supervisor", "no service is enabled", nil)
	}
	return out, nil
}

func buildHTTP(cfg *config.Config, deps Deps) (string, service.Service, error) {
	hc := cfg.HTTP
	if deps.Host != "" {
		hc.Host = deps.Host
	}
	if deps.Port != 0 {
		hc.Port = deps.Port
	}
	appName := hc.Application
	if _, err := app.New(appName); err != nil {
		return "", nil, err
	}
	b, err := httpbridge.New(httpbridge.Options{
		Config: hc,
		NewApp: func() app.Application {
			a, _ := app.New(appName)
			return a
		},
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
	if err != nil {
		return "", nil, err
	}
	return httpbridge.ServiceName, b, nil
}

// buildGateway builds the enabled roles of triad name, or exactly role when
// it is set (split deployment ignores the enable flags).
func buildGateway(cfg *config.Config, name, role string, deps Deps) ([]Entry, error) {
	gc, ok := cfg.Gateway[name]
	if !ok {
		return nil, &SelectionError{
			Input:   "gateway." + name,
			Message: fmt.Sprintf("The '%s' server configuration could not be found", name),
		}
	}
	if role != "" {
		gc.Register.Enable = role == gateway.RoleRegister
		gc.Gateway.Enable = role == gateway.RoleGateway
		gc.Business.Enable = role == gateway.RoleBusiness
	}
	if deps.Host != "" {
		gc.Gateway.Host = deps.Host
	}
	if deps.Port != 0 {
		gc.Gateway.Port = deps.Port
	}

	svcs, err := gateway.Services(name, gc, gateway.Options{Logger: deps.Logger, Metrics: deps.Metrics})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, Entry{Name: s.Name(), Service: s})
	}
	return out, nil
}

func buildQueue(cfg *config.Config, name string, deps Deps) (string, service.Service, error) {
	c, err := queue.FromConfig(cfg, name, deps.Logger, deps.Metrics)
	if err != nil {
		return "", nil, err
	}
	return queue.ServicePrefix + name, c, nil
}

func buildTask(cfg *config.Config, deps Deps) (string, service.Service, error) {
	s, err := task.FromConfig(cfg, deps.Logger, deps.Metrics)
	if err != nil {
		return "", nil, err
	}
	return task.ServiceName, s, nil
}

func buildServer(cfg *config.Config, name string) (string, service.Service, error) {
	ref, ok := cfg.Server[name]
	if !ok || ref == "" {
		return "", nil, types.NewConfigurationError("server."+name, "not configured", types.ErrUnknownService)
	}
	s, err := service.Build(ref, name)
	if err != nil {
		return "", nil, err
	}
	return "server." + name, s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
