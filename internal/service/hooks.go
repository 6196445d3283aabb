package service

import (
	"github.com/ChuLiYu/warden/internal/runtime"
)

// Optional capabilities. A service implements only the ones it needs; the
// set is resolved once in New.
type (
	WorkerStarter interface {
		OnWorkerStart(w *runtime.Worker) error
	}
	WorkerStopper interface {
		OnWorkerStop(w *runtime.Worker)
	}
	WorkerReloader interface {
		OnWorkerReload(w *runtime.Worker)
	}
	Connector interface {
		OnConnect(c runtime.Conn)
	}
	MessageHandler interface {
		OnMessage(c runtime.Conn, msg any)
	}
	Closer interface {
		OnClose(c runtime.Conn)
	}
	BufferFullHandler interface {
		OnBufferFull(c runtime.Conn)
	}
	BufferDrainHandler interface {
		OnBufferDrain(c runtime.Conn)
	}
	ErrorHandler interface {
		OnError(c runtime.Conn, code int, msg string)
	}
)

// ResolveHooks builds the hook set of impl from the capabilities it
// implements. Slots impl does not implement stay nil.
func ResolveHooks(impl any) runtime.Hooks {
	var h runtime.Hooks
	if v, ok := impl.(WorkerStarter); ok {
		h.OnWorkerStart = v.OnWorkerStart
	}
	if v, ok := impl.(WorkerStopper); ok {
		h.OnWorkerStop = v.OnWorkerStop
	}
	if v, ok := impl.(WorkerReloader); ok {
		h.OnWorkerReload = v.OnWorkerReload
	}
	if v, ok := impl.(Connector); ok {
		h.OnConnect = v.OnConnect
	}
	if v, ok := impl.(MessageHandler); ok {
		h.OnMessage = v.OnMessage
	}
	if v, ok := impl.(Closer); ok {
		h.OnClose = v.OnClose
	}
	if v, ok := impl.(BufferFullHandler); ok {
		h.OnBufferFull = v.OnBufferFull
	}
	if v, ok := impl.(BufferDrainHandler); ok {
		h.OnBufferDrain = v.OnBufferDrain
	}
	if v, ok := impl.(ErrorHandler); ok {
		h.OnError = v.OnError
	}
	return h
}
