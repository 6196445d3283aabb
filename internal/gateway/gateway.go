// ============================================================================
// Warden Gateway - 長連線閘道
// ============================================================================
//
// Package: internal/gateway
// File: gateway.go
// Purpose: Holds end-client connections. Every client gets an identity,
//          its events are forwarded to one attached business worker, and
//          pushes addressed to the identity are written back to it.
//
// 內部端點:
//   lan_ip:start_port+worker_id 上的 gRPC 服務
//     - Attach: business worker 訂閱事件 (bidi stream)
//     - Push:   send / broadcast / close / online / list
//
// All client state is owned by the worker loop; gRPC handlers hop onto the
// loop before touching it.
//
// ============================================================================

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Options carries collaborators shared by the triad roles.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// OutboxLimit caps the events queued per business worker; 0 means
	// DefaultOutboxLimit.
	OutboxLimit int
	// DialOptions are appended to every internal gRPC dial (tests use a
	// bufconn dialer here).
	DialOptions []grpc.DialOption
}

type gwClient struct {
	id       string
	conn     runtime.Conn
	missed   int
	business *attachment
}

// attachment is one business worker attached through Attach.
type attachment struct {
	node string
	out  *outbox
}

// Gateway is the client-facing role.
type Gateway struct {
	*service.Base

	cfg      config.GatewayListenConfig
	register config.RegisterConfig
	opts     Options
	logger   *zap.Logger
	nodeID   string

	// loop-owned
	w          *runtime.Worker
	clients    map[string]*gwClient
	byConn     map[uint64]string
	seq        uint32
	businesses []*attachment
	next       int
	pingTimer  runtime.TimerID

	ip       net.IP
	port     int
	internal string
	srv      *grpc.Server
	reg      *registerClient
	sctx     *stopper.Context
}

// NewGateway builds the gateway role of triad name.
func NewGateway(name string, cfg config.GatewayConfig, opts Options) (*Gateway, error) {
	gc := cfg.Gateway
	svcName := RoleName(name, RoleGateway)
	if cfg.Register.Address == "" {
		return nil, types.NewConfigurationError(svcName, "register.address is required", nil)
	}
	ip := net.ParseIP(gc.LanIP)
	if ip == nil || ip.To4() == nil {
		return nil, types.NewConfigurationError(svcName, fmt.Sprintf("lan_ip %q is not an IPv4 address", gc.LanIP), nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:      gc,
		register: cfg.Register,
		opts:     opts,
		logger:   logger.Named("gateway"),
		nodeID:   uuid.NewString(),
		clients:  make(map[string]*gwClient),
		byConn:   make(map[uint64]string),
		ip:       ip.To4(),
	}
	base, err := service.New(gatewayDescriptor(svcName, gc), g)
	if err != nil {
		return nil, err
	}
	g.Base = base
	return g, nil
}

func gatewayDescriptor(name string, gc config.GatewayListenConfig) service.Descriptor {
	ctx := make(map[string]any, len(gc.Context)+1)
	for k, v := range gc.Context {
		ctx[k] = v
	}
	opts := service.Options{Name: name, Count: gc.WorkerNum}
	if gc.SSL {
		opts.Transport = "ssl"
		ctx["ssl"] = map[string]any{"local_cert": gc.SSLCert, "local_pk": gc.SSLKey}
	}
	return service.Descriptor{
		Socket:   gc.Socket,
		Protocol: gc.Protocol,
		Host:     gc.Host,
		Port:     gc.Port,
		Options:  opts,
		Context:  ctx,
	}
}

// OnWorkerStart opens the internal endpoint, announces it and arms the
// ping timer.
func (g *Gateway) OnWorkerStart(w *runtime.Worker) error {
	g.w = w
	port := 0
	if g.cfg.StartPort > 0 {
		port = g.cfg.StartPort + w.ID()
	}
	ln, err := runtime.Listen(context.Background(), net.JoinHostPort(g.ip.String(), strconv.Itoa(port)), false)
	if err != nil {
		return fmt.Errorf("gateway internal listener: %w", err)
	}
	g.port = ln.Addr().(*net.TCPAddr).Port
	g.internal = net.JoinHostPort(g.ip.String(), strconv.Itoa(g.port))

	g.srv = newServer()
	g.srv.RegisterService(&gatewayDesc, g)
	go func() {
		if err := g.srv.Serve(ln); err != nil {
			g.logger.Warn("internal server stopped", zap.Error(err))
		}
	}()

	g.reg, err = dialRegister(g.register.Address, g.register.Secret, g.opts.DialOptions...)
	if err != nil {
		g.srv.Stop()
		return err
	}
	g.sctx = stopper.WithContext(context.Background())
	g.reg.keepAlive(g.sctx, RoleGateway, g.nodeID, g.internal, g.logger)

	if g.cfg.Ping.Interval > 0 {
		g.pingTimer = w.AddTimer(time.Duration(g.cfg.Ping.Interval*float64(time.Second)), g.ping, true)
	}
	g.logger.Info("gateway started", zap.String("internal", g.internal), zap.Int("worker", w.ID()))
	return nil
}

func (g *Gateway) OnWorkerStop(w *runtime.Worker) {
	if g.pingTimer != 0 {
		w.CancelTimer(g.pingTimer)
	}
	for _, a := range g.businesses {
		a.out.close()
	}
	if g.sctx != nil {
		g.sctx.Stop(time.Second)
		_ = g.sctx.Wait()
	}
	if g.reg != nil {
		_ = g.reg.close()
	}
	if g.srv != nil {
		// let Attach streams flush the final close events
		done := make(chan struct{})
		go func() {
			g.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			g.srv.Stop()
		}
	}
}

// InternalAddr is the lan_ip:port of the internal endpoint.
func (g *Gateway) InternalAddr() string { return g.internal }

// ============================================================================
// 客戶端事件
// ============================================================================

func (g *Gateway) OnConnect(c runtime.Conn) {
	g.seq++
	id, err := EncodeClientID(g.ip, g.port, g.seq)
	if err != nil {
		g.logger.Error("cannot assign client id", zap.Error(err))
		_ = c.Close()
		return
	}
	cl := &gwClient{id: id, conn: c}
	g.clients[id] = cl
	g.byConn[c.ID()] = id
	g.opts.Metrics.SetConnections(len(g.clients))

	g.route(cl, &Event{Kind: EventConnect, ClientID: id})
	if hs := c.Handshake(); hs != nil {
		g.route(cl, &Event{Kind: EventWebSocketConnect, ClientID: id, Handshake: hs})
	}
}

func (g *Gateway) OnMessage(c runtime.Conn, msg any) {
	cl := g.clientOf(c)
	if cl == nil {
		return
	}
	cl.missed = 0
	var data []byte
	switch v := msg.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return
	}
	g.opts.Metrics.RecordGatewayMessage("in")
	g.route(cl, &Event{Kind: EventMessage, ClientID: cl.id, Data: data})
}

func (g *Gateway) OnClose(c runtime.Conn) {
	cl := g.clientOf(c)
	if cl == nil {
		return
	}
	g.route(cl, &Event{Kind: EventClose, ClientID: cl.id})
	delete(g.clients, cl.id)
	delete(g.byConn, c.ID())
	g.opts.Metrics.SetConnections(len(g.clients))
}

func (g *Gateway) OnError(c runtime.Conn, code int, msg string) {
	g.logger.Debug("client transport error", zap.Uint64("conn", c.ID()), zap.Int("code", code), zap.String("msg", msg))
}

func (g *Gateway) clientOf(c runtime.Conn) *gwClient {
	id, ok := g.byConn[c.ID()]
	if !ok {
		return nil
	}
	return g.clients[id]
}

// route sends ev to the business worker bound to the client, binding one
// round-robin first if needed. Events of one client always go to the same
// worker while it stays attached.
func (g *Gateway) route(cl *gwClient, ev *Event) {
	if cl.business == nil || cl.business.out.isClosed() {
		cl.business = g.pick()
	}
	if cl.business == nil {
		g.logger.Warn("no business worker attached, event dropped",
			zap.String("client", cl.id), zap.String("event", ev.Kind))
		return
	}
	if !cl.business.out.push(ev) {
		g.logger.Warn("business worker stalled, detaching",
			zap.String("node", cl.business.node), zap.String("client", cl.id), zap.String("event", ev.Kind))
		cl.business = nil
	}
}

func (g *Gateway) pick() *attachment {
	if len(g.businesses) == 0 {
		return nil
	}
	g.next = (g.next + 1) % len(g.businesses)
	return g.businesses[g.next]
}

// ping runs every ping.interval. A client that sent nothing for more than
// ping.limit intervals is closed; limit 0 only pings.
func (g *Gateway) ping() {
	limit := g.cfg.Ping.Limit
	for _, cl := range g.clients {
		cl.missed++
		if limit > 0 && cl.missed > limit {
			g.logger.Debug("client silent, closing", zap.String("client", cl.id), zap.Int("missed", cl.missed))
			_ = cl.conn.Close()
			continue
		}
		if g.cfg.Ping.Data != "" {
			_ = cl.conn.Send(g.cfg.Ping.Data)
		}
	}
}

// ============================================================================
// 內部 gRPC
// ============================================================================

// onLoop runs fn on the worker loop and waits, giving up when ctx ends.
func (g *Gateway) onLoop(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	if !g.w.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *Gateway) authorize(secret string) error {
	if g.register.Secret != "" && secret != g.register.Secret {
		return status.Error(codes.PermissionDenied, "gateway: secret mismatch")
	}
	return nil
}

// Attach streams client events to a business worker until either side
// goes away.
func (g *Gateway) Attach(stream grpc.ServerStream) error {
	hello := new(Command)
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	if hello.Op != OpHello {
		return status.Errorf(codes.InvalidArgument, "gateway: expected hello, got %q", hello.Op)
	}
	if err := g.authorize(hello.Secret); err != nil {
		return err
	}

	ctx := stream.Context()
	a := &attachment{node: hello.NodeID, out: newOutbox(g.opts.OutboxLimit)}
	if !g.onLoop(ctx, func() { g.businesses = append(g.businesses, a) }) {
		return status.Error(codes.Unavailable, "gateway: stopping")
	}
	g.logger.Info("business worker attached", zap.String("node", a.node))
	defer g.w.Post(func() { g.detach(a) })

	recvErr := make(chan error, 1)
	go func() {
		for {
			if err := stream.RecvMsg(new(Command)); err != nil {
				recvErr <- err
				return
			}
		}
	}()
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- a.out.run(ctx, func(ev *Event) error { return stream.SendMsg(ev) })
	}()

	select {
	case err := <-sendErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-a.out.stalled:
		return status.Error(codes.ResourceExhausted, "gateway: outbox overflow")
	case err := <-recvErr:
		a.out.close()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

func (g *Gateway) detach(a *attachment) {
	a.out.close()
	for i, b := range g.businesses {
		if b == a {
			g.businesses = append(g.businesses[:i], g.businesses[i+1:]...)
			break
		}
	}
	for _, cl := range g.clients {
		if cl.business == a {
			cl.business = nil
		}
	}
	g.logger.Info("business worker detached", zap.String("node", a.node))
}

// Push applies one command from a business worker or push client.
func (g *Gateway) Push(ctx context.Context, cmd *Command) (*PushReply, error) {
	if err := g.authorize(cmd.Secret); err != nil {
		return nil, err
	}
	var reply *PushReply
	if !g.onLoop(ctx, func() { reply = g.apply(cmd) }) {
		return nil, status.Error(codes.Unavailable, "gateway: stopping")
	}
	return reply, nil
}

func (g *Gateway) apply(cmd *Command) *PushReply {
	reply := &PushReply{}
	switch cmd.Op {
	case OpSend:
		if cl, ok := g.clients[cmd.ClientID]; ok {
			reply.Online = true
			reply.Delivered = cl.conn.Send(payload(cmd.Data)) == nil
			g.opts.Metrics.RecordGatewayMessage("out")
		}
	case OpBroadcast:
		for _, cl := range g.clients {
			if cl.conn.Send(payload(cmd.Data)) == nil {
				reply.Delivered = true
				g.opts.Metrics.RecordGatewayMessage("out")
			}
		}
	case OpClose:
		if cl, ok := g.clients[cmd.ClientID]; ok {
			reply.Online = true
			if len(cmd.Data) > 0 {
				_ = cl.conn.Send(payload(cmd.Data))
			}
			reply.Delivered = cl.conn.Close() == nil
		}
	case OpOnline:
		_, reply.Online = g.clients[cmd.ClientID]
	case OpList:
		for id := range g.clients {
			reply.Clients = append(reply.Clients, id)
		}
		sort.Strings(reply.Clients)
	}
	return reply
}

// payload keeps text as text so websocket clients get text frames.
func payload(data []byte) any {
	if utf8.Valid(data) {
		return string(data)
	}
	return data
}
