package demo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/gateway"
)

// pusher is the part of gateway.Client the chat room needs.
type pusher interface {
	SendToClient(ctx context.Context, clientID string, data []byte) error
	SendToAll(ctx context.Context, data []byte) error
}

// Chat is the default gateway event handler: a single room that
// broadcasts every message to every client.
type Chat struct {
	push   pusher
	logger *zap.Logger
}

func (c *Chat) OnWorkerStart(env *gateway.Env) error {
	c.push = env.Gateway
	c.logger = env.Logger
	return nil
}

func (c *Chat) OnConnect(clientID string) error {
	return c.push.SendToClient(context.Background(), clientID, []byte("welcome "+clientID))
}

func (c *Chat) OnMessage(clientID string, data []byte) error {
	return c.push.SendToAll(context.Background(), []byte(fmt.Sprintf("%s: %s", clientID, data)))
}

func (c *Chat) OnClose(clientID string) error {
	if c.logger != nil {
		c.logger.Debug("client left", zap.String("client", clientID))
	}
	return c.push.SendToAll(context.Background(), []byte(clientID+" left"))
}
