package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/warden/internal/config"
)

// DefaultCallTimeout bounds each push call.
const DefaultCallTimeout = 3 * time.Second

// ErrClientOffline is returned when the addressed client is not connected.
var ErrClientOffline = errors.New("gateway: client offline")

// Client pushes to clients of one triad from anywhere: business workers,
// other services or plain processes. It locates gateways through the
// register and the address encoded in each client identity.
type Client struct {
	register config.RegisterConfig
	dialOpts []grpc.DialOption
	Timeout  time.Duration

	mu    sync.Mutex
	reg   *registerClient
	conns map[string]*grpc.ClientConn
}

// NewClient makes a push client for the triad whose register is cfg.
// Connections are opened lazily.
func NewClient(cfg config.RegisterConfig, dialOpts ...grpc.DialOption) *Client {
	return &Client{
		register: cfg,
		dialOpts: dialOpts,
		Timeout:  DefaultCallTimeout,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// ClientFor builds a push client from the gateway section of the
// configuration. An empty name picks the first triad by name.
func ClientFor(cfg *config.Config, name string) (*Client, error) {
	if name == "" {
		names := make([]string, 0, len(cfg.Gateway))
		for n := range cfg.Gateway {
			names = append(names, n)
		}
		if len(names) == 0 {
			return nil, errors.New("gateway: no gateway configured")
		}
		sort.Strings(names)
		name = names[0]
	}
	gc, ok := cfg.Gateway[name]
	if !ok {
		return nil, errors.New("gateway: unknown gateway " + name)
	}
	return NewClient(gc.Register), nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, dialOptions(c.dialOpts...)...)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) registry() (*registerClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg != nil {
		return c.reg, nil
	}
	reg, err := dialRegister(c.register.Address, c.register.Secret, c.dialOpts...)
	if err != nil {
		return nil, err
	}
	c.reg = reg
	return reg, nil
}

func (c *Client) push(ctx context.Context, addr string, cmd *Command) (*PushReply, error) {
	cc, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	cmd.Secret = c.register.Secret
	reply := new(PushReply)
	if err := cc.Invoke(ctx, methodPush, cmd, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) gateways(ctx context.Context) ([]string, error) {
	reg, err := c.registry()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return reg.lookup(ctx)
}

func (c *Client) toOwner(ctx context.Context, clientID string, cmd *Command) (*PushReply, error) {
	addr, _, err := DecodeClientID(clientID)
	if err != nil {
		return nil, err
	}
	cmd.ClientID = clientID
	return c.push(ctx, addr, cmd)
}

// SendToClient delivers data to one client.
func (c *Client) SendToClient(ctx context.Context, clientID string, data []byte) error {
	reply, err := c.toOwner(ctx, clientID, &Command{Op: OpSend, Data: data})
	if err != nil {
		return err
	}
	if !reply.Online {
		return ErrClientOffline
	}
	return nil
}

// SendToAll delivers data to every client of every live gateway. Errors
// from single gateways are joined; the others still receive the data.
func (c *Client) SendToAll(ctx context.Context, data []byte) error {
	addrs, err := c.gateways(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, addr := range addrs {
		if _, err := c.push(ctx, addr, &Command{Op: OpBroadcast, Data: data}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseClient disconnects a client, sending data first when non-empty.
func (c *Client) CloseClient(ctx context.Context, clientID string, data []byte) error {
	reply, err := c.toOwner(ctx, clientID, &Command{Op: OpClose, Data: data})
	if err != nil {
		return err
	}
	if !reply.Online {
		return ErrClientOffline
	}
	return nil
}

// IsOnline reports whether clientID is connected.
func (c *Client) IsOnline(ctx context.Context, clientID string) (bool, error) {
	reply, err := c.toOwner(ctx, clientID, &Command{Op: OpOnline})
	if err != nil {
		return false, err
	}
	return reply.Online, nil
}

// ClientIDs lists connected clients across all live gateways, sorted.
func (c *Client) ClientIDs(ctx context.Context) ([]string, error) {
	addrs, err := c.gateways(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, addr := range addrs {
		reply, err := c.push(ctx, addr, &Command{Op: OpList})
		if err != nil {
			return nil, err
		}
		out = append(out, reply.Clients...)
	}
	sort.Strings(out)
	return out, nil
}

// Close releases every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, cc := range c.conns {
		errs = append(errs, cc.Close())
		delete(c.conns, addr)
	}
	if c.reg != nil {
		errs = append(errs, c.reg.close())
		c.reg = nil
	}
	return errors.Join(errs...)
}
