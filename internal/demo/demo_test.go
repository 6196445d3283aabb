package demo

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/gateway"
	"github.com/ChuLiYu/warden/internal/queue"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/internal/task"
	"github.com/ChuLiYu/warden/pkg/types"
)

func TestRegistrations(t *testing.T) {
	_, err := app.New("")
	assert.NoError(t, err)
	_, err = gateway.NewHandler("")
	assert.NoError(t, err)
	_, ok := queue.LookupHandler(MailJob)
	assert.True(t, ok)
	_, ok = task.LookupHandler(CleanupTask)
	assert.True(t, ok)

	svc, err := service.Build(EchoServer, "echo")
	require.NoError(t, err)
	assert.Equal(t, "server.echo", svc.Name())
	assert.Equal(t, 1, svc.Count())
	assert.Equal(t, EchoListen, svc.Descriptor().Socket)
}

func get(t *testing.T, a *App, url string) (*app.Response, *app.Output) {
	t.Helper()
	a.Reset()
	out := &app.Output{}
	resp, err := a.HandleRequest(&app.Request{Method: http.MethodGet, URL: url, Header: http.Header{}}, out)
	require.NoError(t, err)
	return resp, out
}

func TestAppResetClearsRequestState(t *testing.T) {
	a := NewApp()
	require.NoError(t, a.Initialize(context.Background()))

	resp, _ := get(t, a, "/")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "hello from warden worker")

	resp, _ = get(t, a, "/stats")
	var stats struct {
		Served   int64 `json:"served"`
		Requests int   `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &stats))
	assert.Equal(t, int64(2), stats.Served)
	assert.Equal(t, 1, stats.Requests)

	resp, _ = get(t, a, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestAppEchoOutputSink(t *testing.T) {
	resp, out := get(t, NewApp(), "/echo?msg=ping")
	assert.Equal(t, "ping", string(resp.Body))
	assert.Equal(t, "debug: echo called", string(out.Drain()))
}

type fakePusher struct {
	mu   sync.Mutex
	to   map[string][]string
	all  []string
	fail error
}

func (f *fakePusher) SendToClient(_ context.Context, id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.to == nil {
		f.to = map[string][]string{}
	}
	f.to[id] = append(f.to[id], string(data))
	return f.fail
}

func (f *fakePusher) SendToAll(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, string(data))
	return f.fail
}

func TestChatBroadcasts(t *testing.T) {
	p := &fakePusher{}
	c := &Chat{push: p}

	require.NoError(t, c.OnConnect("c1"))
	require.NoError(t, c.OnMessage("c1", []byte("hi")))
	require.NoError(t, c.OnClose("c1"))

	assert.Equal(t, []string{"welcome c1"}, p.to["c1"])
	assert.Equal(t, []string{"c1: hi", "c1 left"}, p.all)
}

func TestSendMail(t *testing.T) {
	err := SendMail(context.Background(), &types.Job{ID: "j1", Payload: map[string]any{}})
	assert.EqualError(t, err, "mail: no recipient")

	err = SendMail(context.Background(), &types.Job{ID: "j2", Payload: map[string]any{"to": "a@example.com"}})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = SendMail(ctx, &types.Job{ID: "j3", Payload: map[string]any{"to": "a@example.com"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	fresh := filepath.Join(dir, "fresh.log")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	err := Cleanup(context.Background(), &types.TaskRecord{Payload: map[string]any{"dir": dir, "max_age": "1h"}})
	require.NoError(t, err)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.DirExists(t, filepath.Join(dir, "sub"))

	assert.Error(t, Cleanup(context.Background(), &types.TaskRecord{Payload: map[string]any{}}))
	assert.Error(t, Cleanup(context.Background(), &types.TaskRecord{Payload: map[string]any{"dir": dir, "max_age": "old"}}))
}
