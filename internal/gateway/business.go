package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

const retryDelay = time.Second

// Business is the business-worker role. It owns no socket: it follows the
// register's gateway set, attaches to every gateway and runs the event
// handler on its loop.
type Business struct {
	*service.Base

	handlerName string
	factory     HandlerFactory
	register    config.RegisterConfig
	opts        Options
	logger      *zap.Logger
	nodeID      string

	// loop-owned
	w       *runtime.Worker
	handler handlerSet
	env     *Env
	seen    map[string]bool

	cancel context.CancelFunc
	sctx   *stopper.Context
	reg    *registerClient

	mu    sync.Mutex
	links map[string]context.CancelFunc
}

// NewBusiness builds the business role of triad name.
func NewBusiness(name string, cfg config.GatewayConfig, opts Options) (*Business, error) {
	svcName := RoleName(name, RoleBusiness)
	if cfg.Register.Address == "" {
		return nil, types.NewConfigurationError(svcName, "register.address is required", nil)
	}
	handlersMu.RLock()
	factory, ok := handlers[cfg.Business.Handler]
	handlersMu.RUnlock()
	if !ok {
		return nil, types.NewConfigurationError(svcName, fmt.Sprintf("event handler %q is not registered", cfg.Business.Handler), types.ErrUnknownService)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Business{
		handlerName: cfg.Business.Handler,
		factory:     factory,
		register:    cfg.Register,
		opts:        opts,
		logger:      logger.Named("business"),
		nodeID:      uuid.NewString(),
		seen:        make(map[string]bool),
		links:       make(map[string]context.CancelFunc),
	}
	base, err := service.New(service.Descriptor{
		Socket:  service.SocketNone,
		Options: service.Options{Name: svcName, Count: cfg.Business.WorkerNum},
	}, b)
	if err != nil {
		return nil, err
	}
	b.Base = base
	return b, nil
}

// OnWorkerStart creates the handler instance for this process and starts
// following the register.
func (b *Business) OnWorkerStart(w *runtime.Worker) error {
	b.w = w
	b.handler = resolveHandler(b.factory())
	b.env = &Env{
		Worker:  w,
		Gateway: NewClient(b.register, b.opts.DialOptions...),
		Logger:  b.logger,
	}
	if b.handler.start != nil {
		if err := b.handler.start(b.env); err != nil {
			return fmt.Errorf("event handler start: %w", err)
		}
	}

	reg, err := dialRegister(b.register.Address, b.register.Secret, b.opts.DialOptions...)
	if err != nil {
		return err
	}
	b.reg = reg

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sctx = stopper.WithContext(ctx)
	reg.keepAlive(b.sctx, RoleBusiness, b.nodeID, "", b.logger)
	b.sctx.Go(func(sctx *stopper.Context) error {
		for !sctx.IsStopping() {
			err := reg.watch(sctx, func(list []string) { b.sync(sctx, list) })
			if sctx.IsStopping() || ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("register watch lost, retrying", zap.Error(err))
			select {
			case <-sctx.Stopping():
				return nil
			case <-time.After(retryDelay):
			}
		}
		return nil
	})
	return nil
}

func (b *Business) OnWorkerStop(_ *runtime.Worker) {
	if b.sctx != nil {
		b.sctx.Stop(time.Second)
		b.cancel()
		_ = b.sctx.Wait()
	}
	if b.reg != nil {
		_ = b.reg.close()
	}
	if b.env != nil {
		if b.handler.stop != nil {
			b.handler.stop(b.env)
		}
		_ = b.env.Gateway.Close()
	}
}

// sync attaches to new gateways and drops links to vanished ones.
func (b *Business) sync(sctx *stopper.Context, gateways []string) {
	want := make(map[string]bool, len(gateways))
	for _, addr := range gateways {
		want[addr] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, cancel := range b.links {
		if !want[addr] {
			cancel()
			delete(b.links, addr)
		}
	}
	for addr := range want {
		if _, ok := b.links[addr]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(sctx)
		b.links[addr] = cancel
		sctx.Go(func(*stopper.Context) error {
			b.follow(ctx, addr)
			return nil
		})
	}
}

// Gateways returns the internal addresses this worker is attached to.
func (b *Business) Gateways() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.links))
	for addr := range b.links {
		out = append(out, addr)
	}
	return out
}

func (b *Business) follow(ctx context.Context, addr string) {
	for ctx.Err() == nil {
		err := b.attach(ctx, addr)
		// A broken link loses that gateway's close events; forget its
		// clients without firing OnClose.
		b.w.Post(func() { b.forget(addr) })
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("gateway link lost", zap.String("gateway", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (b *Business) attach(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, dialOptions(b.opts.DialOptions...)...)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &gatewayDesc.Streams[0], methodAttach)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&Command{Op: OpHello, Secret: b.register.Secret, NodeID: b.nodeID}); err != nil {
		return err
	}
	b.logger.Info("attached to gateway", zap.String("gateway", addr))
	for {
		ev := new(Event)
		if err := stream.RecvMsg(ev); err != nil {
			return err
		}
		if !b.w.Post(func() { b.dispatch(ev) }) {
			return nil
		}
	}
}

func (b *Business) forget(addr string) {
	for id := range b.seen {
		if owner, _, err := DecodeClientID(id); err == nil && owner == addr {
			delete(b.seen, id)
		}
	}
}

// dispatch runs one event on the loop. OnConnect fires at most once per
// client and OnClose only after it; a failing handler is logged and the
// loop moves on.
func (b *Business) dispatch(ev *Event) {
	var err error
	func() {
		defer service.Recover(ev.Kind, &err)
		id := ev.ClientID
		switch ev.Kind {
		case EventConnect:
			if b.seen[id] {
				return
			}
			b.seen[id] = true
			if b.handler.connect != nil {
				err = b.handler.connect(id)
			}
		case EventWebSocketConnect:
			err = b.handler.websocket(id, ev.Handshake)
		case EventMessage:
			err = b.handler.message(id, ev.Data)
		case EventClose:
			if !b.seen[id] {
				return
			}
			delete(b.seen, id)
			if b.handler.close != nil {
				err = b.handler.close(id)
			}
		}
	}()
	if err != nil {
		b.opts.Metrics.RecordHandlerFailure(ev.Kind)
		b.logger.Error("event handler failed",
			zap.String("event", ev.Kind),
			zap.String("client", ev.ClientID),
			zap.Error(err))
	}
}
