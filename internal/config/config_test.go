package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/pkg/types"
)

const sample = `
runtime_path: /tmp/warden-test
http:
  host: 127.0.0.1
  port: 8080
  worker_num: 4
  hot_update:
    enable: true
    interval: 1
    include: [app, core]
gateway:
  chat:
    register:
      enable: true
      address: 127.0.0.1:1236
    business:
      enable: true
    gateway:
      enable: true
      port: 8282
      ping:
        interval: 25
        limit: 2
        data: '{"type":"ping"}'
queue:
  enable: true
  connections:
    default:
      driver: memory
  workers:
    mail:
      number: 2
      tries: 3
server:
  echo: echo
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/warden-test", cfg.RuntimePath)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 4, cfg.HTTP.WorkerNum)
	assert.True(t, cfg.HTTP.Enable, "http.enable defaults to true")
	assert.Equal(t, []string{"app", "core"}, cfg.HTTP.HotUpdate.Include)
	assert.Equal(t, []string{".go"}, cfg.HTTP.HotUpdate.Extensions)
	assert.Equal(t, 2*time.Second, cfg.StopTimeout)

	chat := cfg.Gateway["chat"]
	assert.Equal(t, "127.0.0.1", chat.Gateway.LanIP)
	assert.Equal(t, 2000, chat.Gateway.StartPort)
	assert.Equal(t, "websocket", chat.Gateway.Protocol)
	assert.Equal(t, 1, chat.Business.WorkerNum)
	assert.Equal(t, 2, chat.Gateway.Ping.Limit)
	assert.Equal(t, `{"type":"ping"}`, chat.Gateway.Ping.Data)

	mail, ok := cfg.QueueWorker("mail")
	require.True(t, ok)
	assert.Equal(t, 2, mail.Number)
	assert.Equal(t, 3, mail.Tries)
	assert.Equal(t, 3, mail.Sleep)
	assert.Equal(t, 60, mail.Timeout)
	assert.Equal(t, "default", mail.Connection)

	store, err := cfg.Store(mail.Connection)
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Driver)

	assert.Equal(t, "echo", cfg.Server["echo"])
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WARDEN_HTTP_PORT", "9001")
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.HTTP.Port)
}

func TestLoadRejectsGatewayWithoutRegister(t *testing.T) {
	_, err := Load(writeConfig(t, "gateway:\n  chat:\n    gateway:\n      enable: true\n      port: 8282\n"))
	var cfgErr *types.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "gateway.chat", cfgErr.Component)
}

func TestStoreUnknownConnection(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	s, err := cfg.Store("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Driver)

	_, err = cfg.Store("redis")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	cfg := Default()
	out, err := cfg.Render()
	require.NoError(t, err)
	assert.Contains(t, string(out), "runtime_path: runtime/warden")
}
