package runtime

import (
	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/pkg/types"
)

// Hooks is the lifecycle hook set of one service. Every slot is optional; a
// nil slot is a no-op. All slots run on the worker's loop goroutine; a
// panicking slot is recovered and logged, never fatal to the loop.
type Hooks struct {
	OnWorkerStart  func(w *Worker) error
	OnWorkerStop   func(w *Worker)
	OnWorkerReload func(w *Worker)
	OnConnect      func(c Conn)
	OnMessage      func(c Conn, msg any)
	OnClose        func(c Conn)
	OnBufferFull   func(c Conn)
	OnBufferDrain  func(c Conn)
	OnError        func(c Conn, code int, msg string)
}

// Conn is one client connection as seen by hooks.
type Conn interface {
	ID() uint64
	Protocol() string
	RemoteAddr() string
	Worker() *Worker
	// Send queues data for the client. The accepted types depend on the
	// protocol: string or []byte for stream protocols, *HTTPResponse for http.
	Send(data any) error
	Close() error
	// Handshake is the upgrade request of a websocket connection, nil otherwise.
	Handshake() *Handshake
	Info() types.ConnectionInfo
}

// Handshake carries what a client sent while upgrading to websocket. Server
// holds environment-style keys (REQUEST_URI, QUERY_STRING, REMOTE_ADDR and
// HTTP_<HEADER> entries).
type Handshake struct {
	Server map[string]string `json:"server" cbor:"server"`
	Get    map[string]string `json:"get" cbor:"get"`
	Cookie map[string]string `json:"cookie" cbor:"cookie"`
}

// guard runs one application hook. A panic becomes a HandlerFailure that is
// logged and counted; the loop keeps running. It reports whether fn
// returned normally.
func (w *Worker) guard(hook string, fn func()) (ok bool) {
	defer func() {
		if f := types.Recover(hook, recover()); f != nil {
			w.logger.Error("hook failed",
				zap.String("hook", hook),
				zap.Error(f),
				zap.Stack("stack"))
			w.metrics.RecordHandlerFailure(hook)
			ok = false
		}
	}()
	fn()
	return true
}

func (w *Worker) fireConnect(c Conn) {
	if h := w.hooks.OnConnect; h != nil {
		w.guard("onConnect", func() { h(c) })
	}
}

func (w *Worker) fireMessage(c Conn, msg any) bool {
	if h := w.hooks.OnMessage; h != nil {
		return w.guard("onMessage", func() { h(c, msg) })
	}
	return true
}

func (w *Worker) fireClose(c Conn) {
	if h := w.hooks.OnClose; h != nil {
		w.guard("onClose", func() { h(c) })
	}
}

func (w *Worker) fireBufferFull(c Conn) {
	if h := w.hooks.OnBufferFull; h != nil {
		w.guard("onBufferFull", func() { h(c) })
	}
}

func (w *Worker) fireBufferDrain(c Conn) {
	if h := w.hooks.OnBufferDrain; h != nil {
		w.guard("onBufferDrain", func() { h(c) })
	}
}

func (w *Worker) fireError(c Conn, code int, msg string) {
	if h := w.hooks.OnError; h != nil {
		w.guard("onError", func() { h(c, code, msg) })
	}
}

func (w *Worker) fireWorkerReload() {
	if h := w.hooks.OnWorkerReload; h != nil {
		w.guard("onWorkerReload", func() { h(w) })
	}
}

func (w *Worker) fireWorkerStop() {
	if h := w.hooks.OnWorkerStop; h != nil {
		w.guard("onWorkerStop", func() { h(w) })
	}
}

// fireWorkerStart turns a panic into a start error; the worker then exits
// with ExitFatal like for any other start failure.
func (w *Worker) fireWorkerStart() (err error) {
	h := w.hooks.OnWorkerStart
	if h == nil {
		return nil
	}
	defer func() {
		if f := types.Recover("onWorkerStart", recover()); f != nil {
			w.metrics.RecordHandlerFailure("onWorkerStart")
			err = f
		}
	}()
	return h(w)
}
