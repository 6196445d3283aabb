package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/warden/internal/runtime"
)

// ============================================================================
// 消息定義
// ============================================================================

// 角色
const (
	RoleRegister = "register"
	RoleGateway  = "gateway"
	RoleBusiness = "business"
)

// RoleName is the service name of one role of gateway triad name, e.g.
// "gateway.chat.business".
func RoleName(name, role string) string {
	return "gateway." + name + "." + role
}

// AnnounceRequest registers or renews a member's lease. Leave withdraws it.
type AnnounceRequest struct {
	Secret  string `cbor:"1,keyasint"`
	Role    string `cbor:"2,keyasint"`
	NodeID  string `cbor:"3,keyasint"`
	Address string `cbor:"4,keyasint,omitempty"`
	Leave   bool   `cbor:"5,keyasint,omitempty"`
}

type AnnounceReply struct {
	LeaseMillis int64 `cbor:"1,keyasint"`
}

type LookupRequest struct {
	Secret string `cbor:"1,keyasint"`
}

// LookupReply lists the internal addresses of live gateways, sorted.
type LookupReply struct {
	Gateways []string `cbor:"1,keyasint"`
}

// 客戶端事件 (gateway → business)
const (
	EventConnect          = "connect"
	EventWebSocketConnect = "websocket_connect"
	EventMessage          = "message"
	EventClose            = "close"
)

// Event is one client event forwarded to a business worker.
type Event struct {
	Kind      string             `cbor:"1,keyasint"`
	ClientID  string             `cbor:"2,keyasint"`
	Data      []byte             `cbor:"3,keyasint,omitempty"`
	Handshake *runtime.Handshake `cbor:"4,keyasint,omitempty"`
}

// 指令 (business / client facade → gateway)
const (
	OpHello     = "hello"
	OpSend      = "send"
	OpBroadcast = "broadcast"
	OpClose     = "close"
	OpOnline    = "online"
	OpList      = "list"
)

// Command is sent to a gateway. OpHello opens an Attach stream.
type Command struct {
	Op       string `cbor:"1,keyasint"`
	ClientID string `cbor:"2,keyasint,omitempty"`
	Data     []byte `cbor:"3,keyasint,omitempty"`
	Secret   string `cbor:"4,keyasint,omitempty"`
	NodeID   string `cbor:"5,keyasint,omitempty"`
}

type PushReply struct {
	Delivered bool     `cbor:"1,keyasint"`
	Online    bool     `cbor:"2,keyasint,omitempty"`
	Clients   []string `cbor:"3,keyasint,omitempty"`
}

// ============================================================================
// gRPC 服務描述 (hand-written, CBOR codec)
// ============================================================================

const (
	registerService = "warden.gateway.Register"
	gatewayService  = "warden.gateway.Gateway"

	methodAnnounce = "/" + registerService + "/Announce"
	methodLookup   = "/" + registerService + "/Lookup"
	methodWatch    = "/" + registerService + "/Watch"
	methodAttach   = "/" + gatewayService + "/Attach"
	methodPush     = "/" + gatewayService + "/Push"
)

// registerServer is implemented by *registry.
type registerServer interface {
	Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceReply, error)
	Lookup(ctx context.Context, req *LookupRequest) (*LookupReply, error)
	Watch(req *LookupRequest, stream grpc.ServerStream) error
}

// gatewayServer is implemented by *Gateway.
type gatewayServer interface {
	Attach(stream grpc.ServerStream) error
	Push(ctx context.Context, cmd *Command) (*PushReply, error)
}

var registerDesc = grpc.ServiceDesc{
	ServiceName: registerService,
	HandlerType: (*registerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Announce", Handler: announceHandler},
		{MethodName: "Lookup", Handler: lookupHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "warden/gateway.cbor",
}

var gatewayDesc = grpc.ServiceDesc{
	ServiceName: gatewayService,
	HandlerType: (*gatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Attach", Handler: attachHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "warden/gateway.cbor",
}

func announceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AnnounceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(registerServer).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAnnounce}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(registerServer).Announce(ctx, req.(*AnnounceRequest))
	})
}

func lookupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LookupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(registerServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLookup}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(registerServer).Lookup(ctx, req.(*LookupRequest))
	})
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(LookupRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(registerServer).Watch(in, stream)
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(gatewayServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPush}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(gatewayServer).Push(ctx, req.(*Command))
	})
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(gatewayServer).Attach(stream)
}

// newServer returns a gRPC server that speaks the CBOR codec.
func newServer() *grpc.Server {
	return grpc.NewServer(grpc.ForceServerCodec(cborCodec{}))
}

// dialOptions are shared by every internal client connection.
func dialOptions(extra ...grpc.DialOption) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
	}
	return append(opts, extra...)
}
