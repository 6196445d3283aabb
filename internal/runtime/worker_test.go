package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects hook invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeControl struct {
	mu       sync.Mutex
	reloads  int
	restarts []int
}

func (f *fakeControl) ReloadAll() error {
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) RestartSelf(code int) {
	f.mu.Lock()
	f.restarts = append(f.restarts, code)
	f.mu.Unlock()
}

func startWorker(t *testing.T, cfg Config) (*Worker, func()) {
	t.Helper()
	if cfg.Control == nil {
		cfg.Control = &fakeControl{}
	}
	w, err := NewWorker(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("worker exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker not ready")
	}
	return w, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorkerTextProtocolLifecycle(t *testing.T) {
	rec := &recorder{}
	starts := 0
	hooks := Hooks{
		OnWorkerStart: func(w *Worker) error {
			starts++
			rec.add("start")
			return nil
		},
		OnWorkerStop: func(*Worker) { rec.add("stop") },
		OnConnect:    func(c Conn) { rec.add("connect") },
		OnMessage: func(c Conn, msg any) {
			rec.add("message:%v", msg)
			_ = c.Send("echo " + msg.(string))
		},
		OnClose: func(c Conn) { rec.add("close") },
	}
	w, stop := startWorker(t, Config{Service: "echo", Listen: "text://127.0.0.1:0", Hooks: hooks})

	nc, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	_, err = io.WriteString(nc, "hello\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(nc).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo hello\n", line)
	require.NoError(t, nc.Close())

	assert.Eventually(t, func() bool {
		ev := rec.snapshot()
		return len(ev) > 0 && ev[len(ev)-1] == "close"
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	assert.Equal(t, []string{"start", "connect", "message:hello", "close", "stop"}, rec.snapshot())
	assert.Equal(t, 1, starts)
}

func TestWorkerStartFailureIsFatal(t *testing.T) {
	w, err := NewWorker(Config{
		Service: "broken",
		Listen:  "tcp://127.0.0.1:0",
		Hooks:   Hooks{OnWorkerStart: func(*Worker) error { return fmt.Errorf("no app") }},
	})
	require.NoError(t, err)

	err = w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no app")
	assert.Equal(t, ExitFatal, w.ExitCode())
}

func TestWorkerRejectsBadListen(t *testing.T) {
	_, err := NewWorker(Config{Service: "x", Listen: "udp://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestWorkerClosesConnectionsOnStop(t *testing.T) {
	rec := &recorder{}
	hooks := Hooks{
		OnConnect: func(Conn) { rec.add("connect") },
		OnClose:   func(Conn) { rec.add("close") },
	}
	w, stop := startWorker(t, Config{Service: "tcp", Listen: "tcp://127.0.0.1:0", Hooks: hooks})

	nc, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	assert.Eventually(t, func() bool { return w.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	stop()
	assert.Equal(t, []string{"connect", "close"}, rec.snapshot())
}

func TestWorkerHTTPRoundTrip(t *testing.T) {
	hooks := Hooks{
		OnMessage: func(c Conn, msg any) {
			req := msg.(*HTTPRequest)
			_ = c.Send(&HTTPResponse{
				Status: http.StatusCreated,
				Header: http.Header{"X-Path": {req.URL.Path}},
				Body:   append([]byte("got:"), req.Body...),
			})
		},
	}
	w, stop := startWorker(t, Config{Service: "http", Listen: "http://127.0.0.1:0", Hooks: hooks})
	defer stop()

	resp, err := http.Post("http://"+w.Addr().String()+"/a/b", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/a/b", resp.Header.Get("X-Path"))
	assert.Equal(t, "got:payload", string(body))
}

func TestWorkerRecoversHookPanics(t *testing.T) {
	rec := &recorder{}
	hooks := Hooks{
		OnConnect: func(Conn) { panic("connect exploded") },
		OnMessage: func(c Conn, msg any) {
			if msg == "boom" {
				panic("message exploded")
			}
			rec.add("message:%v", msg)
			_ = c.Send(msg)
		},
		OnClose: func(Conn) { rec.add("close") },
	}
	w, stop := startWorker(t, Config{Service: "server.fragile", Listen: "text://127.0.0.1:0", Hooks: hooks})

	nc, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	_, err = io.WriteString(nc, "boom\nalive\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(nc).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "alive\n", line)
	require.NoError(t, nc.Close())

	assert.Eventually(t, func() bool {
		ev := rec.snapshot()
		return len(ev) > 0 && ev[len(ev)-1] == "close"
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	assert.Equal(t, []string{"message:alive", "close"}, rec.snapshot())
	assert.Equal(t, ExitOK, w.ExitCode())
}

func TestWorkerHTTPHookPanicAnswers500(t *testing.T) {
	hooks := Hooks{
		OnMessage: func(c Conn, msg any) {
			req := msg.(*HTTPRequest)
			if req.URL.Path == "/panic" {
				panic("http hook exploded")
			}
			_ = c.Send(&HTTPResponse{Status: http.StatusOK, Body: []byte("fine")})
		},
	}
	w, stop := startWorker(t, Config{Service: "http", Listen: "http://127.0.0.1:0", Hooks: hooks})
	defer stop()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + w.Addr().String() + "/panic")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = client.Get("http://" + w.Addr().String() + "/ok")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fine", string(body))
}

func TestWorkerStartPanicIsFatal(t *testing.T) {
	w, err := NewWorker(Config{
		Service: "broken",
		Hooks:   Hooks{OnWorkerStart: func(*Worker) error { panic("no config") }},
	})
	require.NoError(t, err)

	err = w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no config")
	assert.Equal(t, ExitFatal, w.ExitCode())
}

func TestTextLineLimit(t *testing.T) {
	messages := make(chan any, 4)
	hooks := Hooks{OnMessage: func(_ Conn, msg any) { messages <- msg }}
	w, stop := startWorker(t, Config{Service: "text", Listen: "text://127.0.0.1:0", Hooks: hooks})
	defer stop()

	nc, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = io.WriteString(nc, "short\r\n")
	require.NoError(t, err)
	select {
	case msg := <-messages:
		assert.Equal(t, "short", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("line not delivered")
	}

	// an oversized unterminated line closes the connection
	go func() { _, _ = nc.Write([]byte(strings.Repeat("x", MaxPackageSize+2))) }()
	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = nc.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, messages)
}

func TestSplitLine(t *testing.T) {
	adv, tok, err := splitLine([]byte("a\nb"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, adv)
	assert.Equal(t, "a", string(tok))

	adv, tok, err = splitLine([]byte("tail"), true)
	require.NoError(t, err)
	assert.Zero(t, adv)
	assert.Nil(t, tok)
}

func TestWorkerWebSocketHandshakeAndEcho(t *testing.T) {
	var hs *Handshake
	hooks := Hooks{
		OnConnect: func(c Conn) { hs = c.Handshake() },
		OnMessage: func(c Conn, msg any) { _ = c.Send(msg) },
	}
	w, stop := startWorker(t, Config{Service: "ws", Listen: "websocket://127.0.0.1:0", Hooks: hooks})
	defer stop()

	header := http.Header{"User-Agent": {"warden-test"}}
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+w.Addr().String()+"/chat?room=1", header)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hi")))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "hi", string(data))

	var got *Handshake
	w.loop.Call(func() { got = hs })
	require.NotNil(t, got)
	assert.Equal(t, "/chat?room=1", got.Server["REQUEST_URI"])
	assert.Equal(t, "warden-test", got.Server["HTTP_USER_AGENT"])
	assert.Equal(t, "1", got.Get["room"])
}

func TestSendBufferFullDropsAndReportsError(t *testing.T) {
	rec := &recorder{}
	block := make(chan struct{})
	w, err := NewWorker(Config{Service: "buf", MaxSendBuffer: 4, Hooks: Hooks{
		OnBufferFull:  func(Conn) { rec.add("full") },
		OnBufferDrain: func(Conn) { rec.add("drain") },
		OnError:       func(_ Conn, code int, msg string) { rec.add("error:%d:%s", code, msg) },
	}})
	require.NoError(t, err)
	c := newStreamConn(w, SchemeTCP, "test", blockingTransport{block}, encodeRaw)
	go c.writeLoop()

	require.NoError(t, c.Send("abcd"))
	assert.Error(t, c.Send("x"))

	close(block)
	assert.Eventually(t, func() bool {
		w.loop.Drain()
		return len(rec.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"full", "error:2:send buffer full and drop package", "drain"}, rec.snapshot())
}

type blockingTransport struct{ block chan struct{} }

func (b blockingTransport) writeFrame(frame) error { <-b.block; return nil }
func (b blockingTransport) close() error { return nil }
