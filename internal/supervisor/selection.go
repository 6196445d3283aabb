// Package supervisor turns configuration into running worker processes.
//
// The master process builds the service catalog for the requested
// selection, keeps one worker.Pool per service and owns the runtime
// directory (pid, status, logs, control socket). Every worker process is
// the same binary started again with WARDEN_WORKER_SERVICE and
// WARDEN_WORKER_ID set; RunChild runs exactly one worker of one service.
package supervisor

import (
	"fmt"
	"strings"
)

// Selection kinds.
const (
	SelectAll     = "all"
	SelectHTTP    = "http"
	SelectGateway = "gateway"
	SelectQueue   = "queue"
	SelectServer  = "server"
	SelectTask    = "task"
)

// Selection is a parsed --server value.
type Selection struct {
	Kind string
	Name string
	// Role is set for gateway.<name>.<role>.
	Role string
}

// SelectionError carries the guidance shown to the operator.
type SelectionError struct {
	Input   string
	Message string
}

func (e *SelectionError) Error() string { return e.Message }

var roleAliases = map[string]string{
	"register": "register", "r": "register",
	"business": "business", "b": "business",
	"gateway": "gateway", "g": "gateway",
}

// ParseSelection parses the deployment selection grammar:
//
//	""                                  every enabled service
//	http | task
//	gateway.<name>                      enabled roles of one triad
//	gateway.<name>.(register|r|business|b|gateway|g)
//	queue.<name> | server.<name>
func ParseSelection(s string) (Selection, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Selection{Kind: SelectAll}, nil
	case s == SelectHTTP:
		return Selection{Kind: SelectHTTP}, nil
	case s == SelectTask:
		return Selection{Kind: SelectTask}, nil
	case strings.HasPrefix(strings.ToLower(s), "gateway."):
		return parseGateway(s)
	case strings.HasPrefix(strings.ToLower(s), "server."):
		name := s[len("server."):]
		if name == "" {
			return Selection{}, selErr(s, "The '%s' input is incorrect, example: server.(name)", s)
		}
		return Selection{Kind: SelectServer, Name: name}, nil
	case strings.HasPrefix(strings.ToLower(s), "queue."):
		name := s[len("queue."):]
		if name == "" {
			return Selection{}, selErr(s, "The queue '%s' input is incorrect, example: queue.(name)", s)
		}
		return Selection{Kind: SelectQueue, Name: name}, nil
	}
	return Selection{}, selErr(s, "The '%s' input is incorrect, example: server.(name) or gateway.websocket or gateway.websocket.(register|business|gateway)", s)
}

func parseGateway(s string) (Selection, error) {
	rest := s[len("gateway."):]
	bad := selErr(s, "The '%s' input is incorrect, example: gateway.websocket or gateway.websocket.(register|business|gateway)", s)
	if rest == "" {
		return Selection{}, bad
	}
	name, role, split := strings.Cut(rest, ".")
	if !split {
		return Selection{Kind: SelectGateway, Name: rest}, nil
	}
	name, role = strings.TrimSpace(name), strings.TrimSpace(role)
	full, ok := roleAliases[role]
	if name == "" || !ok {
		return Selection{}, bad
	}
	return Selection{Kind: SelectGateway, Name: name, Role: full}, nil
}

func selErr(input, format string, args ...any) *SelectionError {
	return &SelectionError{Input: input, Message: fmt.Sprintf(format, args...)}
}

func (s Selection) String() string {
	switch s.Kind {
	case SelectAll:
		return ""
	case SelectHTTP, SelectTask:
		return s.Kind
	case SelectGateway:
		if s.Role != "" {
			return "gateway." + s.Name + "." + s.Role
		}
		return "gateway." + s.Name
	default:
		return s.Kind + "." + s.Name
	}
}
