package gateway

import (
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Env is what a business worker hands its event handler at start.
type Env struct {
	Worker *runtime.Worker
	// Gateway pushes to clients of this triad.
	Gateway *Client
	Logger  *zap.Logger
}

// Handler receives client payloads on a business worker. The optional
// interfaces below add the other events; each is resolved once.
type Handler interface {
	OnMessage(clientID string, data []byte) error
}

type (
	// WorkerStarter runs once per business worker process, before any
	// client event. This is where the application instance is created.
	WorkerStarter interface {
		OnWorkerStart(env *Env) error
	}
	WorkerStopper interface {
		OnWorkerStop(env *Env)
	}
	ConnectHandler interface {
		OnConnect(clientID string) error
	}
	// WebSocketConnectHandler replaces the default handshake conversion.
	WebSocketConnectHandler interface {
		OnWebSocketConnect(clientID string, hs *runtime.Handshake) error
	}
	OpenHandler interface {
		OnOpen(clientID string, req *app.Request) error
	}
	CloseHandler interface {
		OnClose(clientID string) error
	}
)

// handlerSet is a Handler with its optional events resolved.
type handlerSet struct {
	message   func(string, []byte) error
	start     func(*Env) error
	stop      func(*Env)
	connect   func(string) error
	websocket func(string, *runtime.Handshake) error
	open      func(string, *app.Request) error
	close     func(string) error
}

func resolveHandler(h Handler) handlerSet {
	s := handlerSet{message: h.OnMessage}
	if v, ok := h.(WorkerStarter); ok {
		s.start = v.OnWorkerStart
	}
	if v, ok := h.(WorkerStopper); ok {
		s.stop = v.OnWorkerStop
	}
	if v, ok := h.(ConnectHandler); ok {
		s.connect = v.OnConnect
	}
	if v, ok := h.(OpenHandler); ok {
		s.open = v.OnOpen
	}
	if v, ok := h.(WebSocketConnectHandler); ok {
		s.websocket = v.OnWebSocketConnect
	} else {
		open := s.open
		s.websocket = func(id string, hs *runtime.Handshake) error {
			if open == nil {
				return nil
			}
			return open(id, RequestFromHandshake(hs))
		}
	}
	if v, ok := h.(CloseHandler); ok {
		s.close = v.OnClose
	}
	return s
}

// RequestFromHandshake rebuilds an application request from websocket
// upgrade data. HTTP_* server keys become headers again
// (HTTP_X_FORWARDED_FOR → X-Forwarded-For) and PATH_INFO is taken from
// REQUEST_URI.
func RequestFromHandshake(hs *runtime.Handshake) *app.Request {
	server := make(map[string]string)
	header := make(http.Header)
	query := url.Values{}
	cookies := make(map[string]string)
	if hs != nil {
		for k, v := range hs.Server {
			server[k] = v
			if len(k) > 5 && strings.EqualFold(k[:5], "HTTP_") {
				name := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(k[5:], "_", "-"))
				header.Set(name, v)
			}
		}
		for k, v := range hs.Get {
			query.Set(k, v)
		}
		for k, v := range hs.Cookie {
			cookies[k] = v
		}
	}

	uri := server["REQUEST_URI"]
	if uri == "" {
		uri = "/"
	}
	path := "/"
	if u, err := url.ParseRequestURI(uri); err == nil && u.Path != "" {
		path = u.Path
	}
	server["PATH_INFO"] = path

	method := server["REQUEST_METHOD"]
	if method == "" {
		method = http.MethodGet
	}
	return &app.Request{
		Method:     method,
		Host:       server["HTTP_HOST"],
		Header:     header,
		Server:     server,
		Query:      query,
		Post:       url.Values{},
		Cookie:     cookies,
		BaseURL:    path,
		URL:        uri,
		PathInfo:   strings.TrimPrefix(path, "/"),
		RemoteAddr: server["REMOTE_ADDR"],
	}
}

// ============================================================================
// Handler 註冊表
// ============================================================================

// HandlerFactory makes one handler per business worker process.
type HandlerFactory func() Handler

var (
	handlersMu sync.RWMutex
	handlers   = map[string]HandlerFactory{}
)

// RegisterHandler makes a handler available to business.handler. The empty
// name is the default.
func RegisterHandler(name string, f HandlerFactory) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if _, dup := handlers[name]; dup {
		panic("gateway: RegisterHandler called twice for " + name)
	}
	handlers[name] = f
}

// NewHandler instantiates the handler registered under name.
func NewHandler(name string) (Handler, error) {
	handlersMu.RLock()
	f, ok := handlers[name]
	handlersMu.RUnlock()
	if !ok {
		return nil, types.NewConfigurationError("gateway", fmt.Sprintf("event handler %q is not registered", name), types.ErrUnknownService)
	}
	return f(), nil
}

// HandlerNames lists registered handler names.
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
