package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/pkg/types"
)

// SocketNone marks a service that owns no listener (queue consumers, task
// schedulers, business workers).
const SocketNone = "none"

// Descriptor says where and how a service listens.
type Descriptor struct {
	// Socket is an opaque "scheme://host:port" string, or SocketNone.
	Socket   string
	Protocol string
	Host     string
	Port     int
	Options  Options
	// Context holds transport options, e.g. {"ssl": {"local_cert": ..., "local_pk": ...}}.
	Context map[string]any
}

// Options are listener-level settings.
type Options struct {
	Count         int
	Name          string
	Transport     string // "tcp" or "ssl"
	ReusePort     bool
	MaxSendBuffer int
	// Extra keeps keys the service layer does not interpret.
	Extra map[string]any
}

// Validate rejects a descriptor that has neither a socket nor a
// (protocol, port) pair.
func (d Descriptor) Validate() error {
	if d.Socket != "" {
		return nil
	}
	if d.Protocol == "" || d.Port == 0 {
		return types.NewConfigurationError(d.Options.Name, "no initial parameters are set", types.ErrNoBindParameters)
	}
	return nil
}

// Listen returns the runtime listen string, empty for SocketNone.
func (d Descriptor) Listen() string {
	switch {
	case d.Socket == SocketNone:
		return ""
	case d.Socket != "":
		return d.Socket
	}
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return (runtime.Address{Scheme: d.Protocol, Host: host, Port: d.Port}).String()
}

// applyOptions copies recognized keys into typed fields and keeps the rest
// in Extra untouched.
func (o *Options) applyOptions(m map[string]any) {
	for k, v := range m {
		switch strings.ToLower(k) {
		case "count", "worker_num":
			if n, ok := toInt(v); ok {
				o.Count = n
			}
		case "name":
			o.Name = fmt.Sprint(v)
		case "transport":
			o.Transport = strings.ToLower(fmt.Sprint(v))
		case "reuseport", "reuse_port":
			o.ReusePort = toBool(v)
		case "max_send_buffer", "maxsendbuffersize":
			if n, ok := toInt(v); ok {
				o.MaxSendBuffer = n
			}
		default:
			if o.Extra == nil {
				o.Extra = make(map[string]any)
			}
			o.Extra[k] = v
		}
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		ok, _ := strconv.ParseBool(b)
		return ok
	}
	n, _ := toInt(v)
	return n != 0
}

// contextString reads a nested string such as ssl.local_cert.
func contextString(ctx map[string]any, section, key string) string {
	sec, ok := ctx[section].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := sec[key].(string)
	return s
}
