// ============================================================================
// Warden Gateway Register - 註冊中心
// ============================================================================
//
// Package: internal/gateway
// File: register.go
// Purpose: Rendezvous point of a gateway triad. Gateways announce their
//          internal address with a lease; business workers and push clients
//          look the live set up (Lookup) or follow it (Watch).
//
// 租約:
//   每次 Announce 都會延長 LeaseDuration。過期成員由 sweep timer 清除，
//   Gateway 集合變化時推送給所有 Watch 訂閱者。
//
// ============================================================================

package gateway

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

const (
	// LeaseDuration is how long an announcement stays valid.
	LeaseDuration = 10 * time.Second
	// HeartbeatInterval is how often members renew their lease.
	HeartbeatInterval = 3 * time.Second

	sweepInterval = time.Second
)

// Member is one live gateway or business worker.
type Member struct {
	NodeID     string
	Role       string
	Address    string
	LastSeen   time.Time
	ExpiryTime time.Time
}

// registry holds the membership table. gRPC handlers run concurrently, so
// it is guarded by its own mutex rather than the worker loop.
type registry struct {
	secret string
	lease  time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	members  map[string]*Member
	watchers map[chan []string]struct{}
}

func newRegistry(secret string, logger *zap.Logger) *registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &registry{
		secret:   secret,
		lease:    LeaseDuration,
		logger:   logger,
		members:  make(map[string]*Member),
		watchers: make(map[chan []string]struct{}),
	}
}

func (r *registry) authorize(secret string) error {
	if r.secret != "" && secret != r.secret {
		return status.Error(codes.PermissionDenied, "register: secret mismatch")
	}
	return nil
}

// Announce registers or renews a member.
func (r *registry) Announce(_ context.Context, req *AnnounceRequest) (*AnnounceReply, error) {
	if err := r.authorize(req.Secret); err != nil {
		return nil, err
	}
	if req.NodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "register: node id required")
	}
	if req.Role != RoleGateway && req.Role != RoleBusiness {
		return nil, status.Errorf(codes.InvalidArgument, "register: unknown role %q", req.Role)
	}
	if req.Role == RoleGateway && req.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "register: gateway address required")
	}

	r.mu.Lock()
	var changed bool
	if req.Leave {
		if m, ok := r.members[req.NodeID]; ok {
			delete(r.members, req.NodeID)
			changed = m.Role == RoleGateway
			r.logger.Info("member left", zap.String("role", m.Role), zap.String("node", m.NodeID))
		}
	} else {
		now := time.Now()
		m, exists := r.members[req.NodeID]
		if !exists {
			m = &Member{NodeID: req.NodeID, Role: req.Role}
			r.members[req.NodeID] = m
			r.logger.Info("member joined",
				zap.String("role", req.Role),
				zap.String("node", req.NodeID),
				zap.String("address", req.Address))
		}
		if m.Address != req.Address {
			changed = req.Role == RoleGateway
			m.Address = req.Address
		}
		m.LastSeen = now
		m.ExpiryTime = now.Add(r.lease)
	}
	r.mu.Unlock()

	if changed {
		r.broadcast()
	}
	return &AnnounceReply{LeaseMillis: r.lease.Milliseconds()}, nil
}

// Lookup returns the live gateways.
func (r *registry) Lookup(_ context.Context, req *LookupRequest) (*LookupReply, error) {
	if err := r.authorize(req.Secret); err != nil {
		return nil, err
	}
	return &LookupReply{Gateways: r.gateways()}, nil
}

// Watch streams the gateway set: once right away, then on every change.
func (r *registry) Watch(req *LookupRequest, stream grpc.ServerStream) error {
	if err := r.authorize(req.Secret); err != nil {
		return err
	}
	ch := make(chan []string, 1)
	r.mu.Lock()
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.watchers, ch)
		r.mu.Unlock()
	}()

	if err := stream.SendMsg(&LookupReply{Gateways: r.gateways()}); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case list := <-ch:
			if err := stream.SendMsg(&LookupReply{Gateways: list}); err != nil {
				return err
			}
		}
	}
}

func (r *registry) gateways() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for _, m := range r.members {
		if m.Role == RoleGateway {
			out = append(out, m.Address)
		}
	}
	sort.Strings(out)
	return out
}

// broadcast hands the newest gateway set to every watcher, replacing a
// set the watcher has not picked up yet.
func (r *registry) broadcast() {
	list := r.gateways()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
	}
}

// expire drops members whose lease ran out and returns how many went.
func (r *registry) expire(now time.Time) int {
	r.mu.Lock()
	var removed int
	var gatewaysGone bool
	for id, m := range r.members {
		if now.After(m.ExpiryTime) {
			delete(r.members, id)
			removed++
			gatewaysGone = gatewaysGone || m.Role == RoleGateway
			r.logger.Warn("member lease expired", zap.String("role", m.Role), zap.String("node", id))
		}
	}
	r.mu.Unlock()
	if gatewaysGone {
		r.broadcast()
	}
	return removed
}

// Snapshot returns a copy of the membership table.
func (r *registry) snapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ============================================================================
// Register 服務
// ============================================================================

// Register runs the rendezvous gRPC endpoint. It has no client listener of
// its own in the runtime sense; its only socket is register.address.
type Register struct {
	*service.Base

	address string
	reg     *registry
	logger  *zap.Logger

	srv   *grpc.Server
	addr  net.Addr
	sweep runtime.TimerID
}

// NewRegister builds the register role of gateway triad name.
func NewRegister(name string, cfg config.RegisterConfig, logger *zap.Logger) (*Register, error) {
	if cfg.Address == "" {
		return nil, types.NewConfigurationError(RoleName(name, RoleRegister), "register.address is required", types.ErrNoBindParameters)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Register{
		address: stripScheme(cfg.Address),
		logger:  logger.Named("register"),
	}
	r.reg = newRegistry(cfg.Secret, r.logger)
	base, err := service.New(service.Descriptor{
		Socket:  service.SocketNone,
		Options: service.Options{Name: RoleName(name, RoleRegister), Count: 1},
	}, r)
	if err != nil {
		return nil, err
	}
	r.Base = base
	return r, nil
}

func (r *Register) OnWorkerStart(w *runtime.Worker) error {
	ln, err := runtime.Listen(context.Background(), r.address, false)
	if err != nil {
		return err
	}
	r.addr = ln.Addr()
	r.srv = newServer()
	r.srv.RegisterService(&registerDesc, r.reg)
	go func() {
		if err := r.srv.Serve(ln); err != nil {
			r.logger.Warn("register server stopped", zap.Error(err))
		}
	}()
	r.sweep = w.AddTimer(sweepInterval, func() { r.reg.expire(time.Now()) }, true)
	r.logger.Info("register listening", zap.String("address", r.addr.String()))
	return nil
}

func (r *Register) OnWorkerStop(w *runtime.Worker) {
	w.CancelTimer(r.sweep)
	if r.srv != nil {
		r.srv.Stop()
	}
}

// Addr is the bound rendezvous address, nil before start.
func (r *Register) Addr() net.Addr { return r.addr }

// Members returns the current membership table.
func (r *Register) Members() []Member { return r.reg.snapshot() }

// stripScheme accepts "text://host:port" style addresses.
func stripScheme(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[i+3:]
	}
	return addr
}

// ============================================================================
// 註冊中心客戶端
// ============================================================================

// registerClient talks to the register from gateways, business workers and
// push clients.
type registerClient struct {
	conn   *grpc.ClientConn
	secret string
}

func dialRegister(address, secret string, extra ...grpc.DialOption) (*registerClient, error) {
	conn, err := grpc.NewClient(stripScheme(address), dialOptions(extra...)...)
	if err != nil {
		return nil, err
	}
	return &registerClient{conn: conn, secret: secret}, nil
}

func (c *registerClient) announce(ctx context.Context, role, nodeID, address string, leave bool) error {
	req := &AnnounceRequest{Secret: c.secret, Role: role, NodeID: nodeID, Address: address, Leave: leave}
	return c.conn.Invoke(ctx, methodAnnounce, req, new(AnnounceReply))
}

func (c *registerClient) lookup(ctx context.Context) ([]string, error) {
	out := new(LookupReply)
	if err := c.conn.Invoke(ctx, methodLookup, &LookupRequest{Secret: c.secret}, out); err != nil {
		return nil, err
	}
	return out.Gateways, nil
}

// watch calls fn with every gateway set the register publishes until ctx
// ends or the stream breaks.
func (c *registerClient) watch(ctx context.Context, fn func([]string)) error {
	stream, err := c.conn.NewStream(ctx, &registerDesc.Streams[0], methodWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&LookupRequest{Secret: c.secret}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		reply := new(LookupReply)
		if err := stream.RecvMsg(reply); err != nil {
			return err
		}
		fn(reply.Gateways)
	}
}

// keepAlive announces right away and then every HeartbeatInterval until
// sctx stops, when it withdraws the lease. Failures are logged and retried
// on the next beat.
func (c *registerClient) keepAlive(sctx *stopper.Context, role, nodeID, address string, logger *zap.Logger) {
	beat := func() {
		ctx, cancel := context.WithTimeout(sctx, HeartbeatInterval)
		defer cancel()
		if err := c.announce(ctx, role, nodeID, address, false); err != nil && !sctx.IsStopping() {
			logger.Warn("register heartbeat failed", zap.Error(err))
		}
	}
	sctx.Go(func(sctx *stopper.Context) error {
		beat()
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Stopping():
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = c.announce(ctx, role, nodeID, address, true)
				cancel()
				return nil
			case <-ticker.C:
				beat()
			}
		}
	})
}

func (c *registerClient) close() error { return c.conn.Close() }
