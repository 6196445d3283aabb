package supervisor

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/gateway"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

const testRef = "supervisor-test"

type idleService struct{ *service.Base }

type nopHandler struct{}

func (nopHandler) OnMessage(string, []byte) error { return nil }

func init() {
	app.Register(testRef, func() app.Application { return app.FromHandler(http.NotFoundHandler()) })
	gateway.RegisterHandler(testRef, func() gateway.Handler { return nopHandler{} })
	service.Register(testRef, func(name string) (service.Service, error) {
		s := &idleService{}
		base, err := service.New(service.Descriptor{
			Socket:  service.SocketNone,
			Options: service.Options{Name: "server." + name, Count: 2},
		}, s)
		s.Base = base
		return s, err
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RuntimePath = t.TempDir()
	cfg.HTTP.Application = testRef
	cfg.HTTP.Port = 8080
	cfg.HTTP.WorkerNum = 2
	cfg.HTTP.WebRoot = t.TempDir()
	cfg.Gateway = map[string]config.GatewayConfig{
		"chat": {
			Register: config.RegisterConfig{Enable: true, Address: "127.0.0.1:1236"},
			Business: config.BusinessConfig{Enable: true, WorkerNum: 3, Handler: testRef},
			Gateway:  config.GatewayListenConfig{Enable: true, Protocol: "websocket", Host: "0.0.0.0", Port: 8282},
		},
	}
	cfg.Queue.Enable = true
	cfg.Queue.Workers = map[string]config.QueueWorkerConfig{
		"mail":   {Number: 2},
		"report": {},
	}
	cfg.Task.Enable = true
	cfg.Server = map[string]string{"idle": testRef}
	require.NoError(t, cfg.Validate())
	return cfg
}

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestBuildAll(t *testing.T) {
	entries, err := Build(testConfig(t), Selection{Kind: SelectAll}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http",
		"gateway.chat.register", "gateway.chat.gateway", "gateway.chat.business",
		"queue.mail", "queue.report",
		"task",
		"server.idle",
	}, names(entries))

	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Name] = e.Service.Count()
	}
	assert.Equal(t, 2, counts["http"])
	assert.Equal(t, 3, counts["gateway.chat.business"])
	assert.Equal(t, 2, counts["queue.mail"])
	assert.Equal(t, 1, counts["queue.report"])
	assert.Equal(t, 2, counts["server.idle"])
}

func TestBuildSkipsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enable = false
	cfg.Queue.Enable = false
	cfg.Task.Enable = false
	g := cfg.Gateway["chat"]
	g.Gateway.Enable = false
	cfg.Gateway["chat"] = g

	entries, err := Build(cfg, Selection{Kind: SelectAll}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway.chat.register", "gateway.chat.business", "server.idle"}, names(entries))
}

func TestBuildSplitRoleIgnoresEnable(t *testing.T) {
	cfg := testConfig(t)
	g := cfg.Gateway["chat"]
	g.Register.Enable = false
	cfg.Gateway["chat"] = g

	sel, err := ParseSelection("gateway.chat.r")
	require.NoError(t, err)
	entries, err := Build(cfg, sel, Deps{})
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway.chat.register"}, names(entries))
}

func TestBuildOverridesHostPort(t *testing.T) {
	cfg := testConfig(t)
	entries, err := Build(cfg, Selection{Kind: SelectHTTP}, Deps{Host: "127.0.0.1", Port: 9999})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	d := entries[0].Service.Descriptor()
	assert.Equal(t, "127.0.0.1", d.Host)
	assert.Equal(t, 9999, d.Port)

	entries, err = Build(cfg, Selection{Kind: SelectGateway, Name: "chat", Role: "gateway"}, Deps{Port: 7777})
	require.NoError(t, err)
	assert.Equal(t, 7777, entries[0].Service.Descriptor().Port)
}

func TestBuildErrors(t *testing.T) {
	cfg := testConfig(t)

	_, err := Build(cfg, Selection{Kind: SelectGateway, Name: "missing"}, Deps{})
	var selErr *SelectionError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, "The 'missing' server configuration could not be found", selErr.Message)

	_, err = Build(cfg, Selection{Kind: SelectQueue, Name: "missing"}, Deps{})
	assert.ErrorIs(t, err, types.ErrUnknownService)

	cfg.Server["ghost"] = "not-registered"
	_, err = Build(cfg, Selection{Kind: SelectServer, Name: "ghost"}, Deps{})
	assert.ErrorIs(t, err, types.ErrUnknownService)

	cfg.HTTP.Application = "not-registered"
	_, err = Build(cfg, Selection{Kind: SelectHTTP}, Deps{})
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuildNothingEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Enable = false
	_, err := Build(cfg, Selection{Kind: SelectAll}, Deps{})
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
