package demo

import (
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
)

// EchoListen is where the echo server listens.
const EchoListen = "text://0.0.0.0:2347"

// Echo is a custom server (server.<name>: echo) answering each text line
// with the same line.
type Echo struct {
	*service.Base
}

// NewEcho is the service.Factory of the echo server.
func NewEcho(name string) (service.Service, error) {
	return newEcho(name, EchoListen)
}

func newEcho(name, listen string) (*Echo, error) {
	e := &Echo{}
	base, err := service.New(service.Descriptor{
		Socket:  listen,
		Options: service.Options{Name: "server." + name, Count: 1},
	}, e)
	if err != nil {
		return nil, err
	}
	e.Base = base
	return e, nil
}

func (e *Echo) OnMessage(c runtime.Conn, msg any) {
	_ = c.Send(msg)
}
