// Package demo registers the built-in application, gateway event handler,
// custom server and job handlers that warden runs when the configuration
// names nothing else. Import it for its side effects.
package demo

import (
	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/gateway"
	"github.com/ChuLiYu/warden/internal/queue"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/internal/task"
)

// Registry names.
const (
	EchoServer  = "echo"
	MailJob     = "demo.mail"
	CleanupTask = "demo.cleanup"
)

func init() {
	app.Register("", func() app.Application { return NewApp() })
	gateway.RegisterHandler("", func() gateway.Handler { return &Chat{} })
	service.Register(EchoServer, NewEcho)
	queue.RegisterHandler(MailJob, queue.HandlerFunc(SendMail))
	task.RegisterHandler(CleanupTask, Cleanup)
}
