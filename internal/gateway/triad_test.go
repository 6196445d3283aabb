package gateway

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
)

type nopControl struct{}

func (nopControl) ReloadAll() error { return nil }
func (nopControl) RestartSelf(int)  {}

// echoHandler answers every message through the push client and records
// the event order.
type echoHandler struct {
	events chan string
	env    *Env
}

func (h *echoHandler) OnWorkerStart(env *Env) error {
	h.env = env
	return nil
}

func (h *echoHandler) OnConnect(id string) error {
	h.events <- "connect"
	return nil
}

func (h *echoHandler) OnMessage(id string, data []byte) error {
	h.events <- "message:" + string(data)
	if string(data) == "boom" {
		panic("handler exploded")
	}
	return h.env.Gateway.SendToClient(context.Background(), id, []byte("echo:"+string(data)))
}

func (h *echoHandler) OnClose(id string) error {
	h.events <- "close"
	return nil
}

var echo = &echoHandler{events: make(chan string, 64)}

func init() {
	RegisterHandler("triad-echo", func() Handler { return echo })
}

// runService starts worker 0 of s and stops it when the test ends.
func runService(t *testing.T, s service.Service) *runtime.Worker {
	t.Helper()
	ready := make(chan *runtime.Worker, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx, 0, service.Env{Control: nopControl{}, Ready: func(w *runtime.Worker) { ready <- w }})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("%s did not stop", s.Name())
		}
	})
	select {
	case w := <-ready:
		<-w.Ready()
		return w
	case err := <-done:
		t.Fatalf("%s failed to start: %v", s.Name(), err)
	case <-time.After(5 * time.Second):
		t.Fatalf("%s not started", s.Name())
	}
	return nil
}

func nextEvent(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-echo.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return ""
}

func readLine(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func textGateway(t *testing.T, name string, cfg config.GatewayConfig) *Gateway {
	t.Helper()
	g, err := NewGateway(name, cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, g.Configure(service.Descriptor{
		Socket:  "text://127.0.0.1:0",
		Options: service.Options{Name: RoleName(name, RoleGateway), Count: 1},
	}))
	return g
}

func TestTriadEndToEnd(t *testing.T) {
	reg, err := NewRegister("chat", config.RegisterConfig{Enable: true, Address: "127.0.0.1:0", Secret: "s3cret"}, nil)
	require.NoError(t, err)
	runService(t, reg)

	cfg := config.GatewayConfig{
		Register: config.RegisterConfig{Enable: true, Address: reg.Addr().String(), Secret: "s3cret"},
		Business: config.BusinessConfig{Enable: true, WorkerNum: 1, Handler: "triad-echo"},
		Gateway:  config.GatewayListenConfig{Enable: true, LanIP: "127.0.0.1"},
	}
	gw := textGateway(t, "chat", cfg)
	gwWorker := runService(t, gw)

	biz, err := NewBusiness("chat", cfg, Options{})
	require.NoError(t, err)
	runService(t, biz)

	require.Eventually(t, func() bool {
		var n int
		gw.onLoop(context.Background(), func() { n = len(gw.businesses) })
		return n == 1
	}, 10*time.Second, 20*time.Millisecond, "business worker never attached")
	assert.Equal(t, []string{gw.InternalAddr()}, biz.Gateways())

	conn, err := net.Dial("tcp", gwWorker.Addr().String())
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	assert.Equal(t, "connect", nextEvent(t))

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, "message:hello", nextEvent(t))
	assert.Equal(t, "echo:hello", readLine(t, conn, r))

	// a panicking handler does not take the worker down
	_, err = conn.Write([]byte("boom\nagain\n"))
	require.NoError(t, err)
	assert.Equal(t, "message:boom", nextEvent(t))
	assert.Equal(t, "message:again", nextEvent(t))
	assert.Equal(t, "echo:again", readLine(t, conn, r))

	push := NewClient(cfg.Register)
	defer push.Close()
	ctx := context.Background()
	ids, err := push.ClientIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	online, err := push.IsOnline(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, push.SendToAll(ctx, []byte("to everyone")))
	assert.Equal(t, "to everyone", readLine(t, conn, r))

	require.NoError(t, push.CloseClient(ctx, ids[0], []byte("bye")))
	assert.Equal(t, "bye", readLine(t, conn, r))
	assert.Equal(t, "close", nextEvent(t))

	online, err = push.IsOnline(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, online)
	assert.ErrorIs(t, push.SendToClient(ctx, ids[0], []byte("late")), ErrClientOffline)
}

func TestGatewayPingLimit(t *testing.T) {
	cfg := config.GatewayConfig{
		Register: config.RegisterConfig{Address: "127.0.0.1:1"},
		Gateway: config.GatewayListenConfig{
			Enable: true,
			LanIP:  "127.0.0.1",
			Ping:   config.PingConfig{Interval: 0.05, Limit: 2, Data: "ping"},
		},
	}
	w := runService(t, textGateway(t, "ping", cfg))

	conn, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var pings int
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		if strings.TrimSpace(line) == "ping" {
			pings++
		}
	}
	assert.Equal(t, 2, pings)
}

func TestNewGatewayValidation(t *testing.T) {
	_, err := NewGateway("x", config.GatewayConfig{Gateway: config.GatewayListenConfig{LanIP: "127.0.0.1", Socket: "text://127.0.0.1:0"}}, Options{})
	assert.Error(t, err)

	_, err = NewGateway("x", config.GatewayConfig{
		Register: config.RegisterConfig{Address: "127.0.0.1:1"},
		Gateway:  config.GatewayListenConfig{LanIP: "::1", Socket: "text://127.0.0.1:0"},
	}, Options{})
	assert.Error(t, err)

	_, err = NewBusiness("x", config.GatewayConfig{
		Register: config.RegisterConfig{Address: "127.0.0.1:1"},
		Business: config.BusinessConfig{Handler: "not-registered"},
	}, Options{})
	assert.Error(t, err)
}

func TestServicesBuildsEnabledRoles(t *testing.T) {
	cfg := config.GatewayConfig{
		Register: config.RegisterConfig{Enable: true, Address: "127.0.0.1:1"},
		Business: config.BusinessConfig{Enable: true, WorkerNum: 3, Handler: "triad-echo"},
		Gateway:  config.GatewayListenConfig{LanIP: "127.0.0.1", Protocol: "websocket", Port: 7272},
	}
	svcs, err := Services("chat", cfg, Options{})
	require.NoError(t, err)
	require.Len(t, svcs, 2)
	assert.Equal(t, "gateway.chat.register", svcs[0].Name())
	assert.Equal(t, "gateway.chat.business", svcs[1].Name())
	assert.Equal(t, 3, svcs[1].Count())
}
