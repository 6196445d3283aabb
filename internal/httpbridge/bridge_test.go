package httpbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
)

type fakeControl struct {
	mu      sync.Mutex
	reloads int
}

func (f *fakeControl) ReloadAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeControl) RestartSelf(int) {}

// testApp echoes the path and writes a marker to the output sink.
type testApp struct {
	inits      int
	resets     int
	calls      int
	panicReset bool
}

func (a *testApp) Initialize(context.Context) error { a.inits++; return nil }

func (a *testApp) Reset() {
	a.resets++
	if a.panicReset {
		a.panicReset = false
		panic("reset exploded")
	}
}

func (a *testApp) HandleRequest(req *app.Request, out *app.Output) (*app.Response, error) {
	a.calls++
	switch req.PathInfo {
	case "panic":
		fmt.Fprint(out, "half-written")
		panic("handler exploded")
	case "fail":
		return nil, errors.New("no such route")
	case "host":
		return app.NewResponse(http.StatusOK, []byte("host="+req.Host)), nil
	case "upload":
		var names []string
		for _, fhs := range req.Files {
			for _, fh := range fhs {
				names = append(names, fmt.Sprintf("%s:%d", fh.Filename, fh.Size))
			}
		}
		return app.NewResponse(http.StatusOK, []byte(strings.Join(names, ","))), nil
	case "cookie":
		resp := app.NewResponse(http.StatusOK, []byte("ok"))
		resp.SetCookie(app.Cookie{Name: "sid", Value: "abc", Path: "/", Domain: "example.com", Secure: true, HTTPOnly: true, SameSite: "strict"})
		return resp, nil
	}
	fmt.Fprintf(out, "[out %d]", a.calls)
	resp := app.NewResponse(http.StatusOK, []byte("path="+req.PathInfo+";q="+req.Query.Get("q")+";"))
	resp.Header.Set("Content-Length", "3")
	return resp, nil
}

func (a *testApp) Render(_ *app.Request, failure error) *app.Response {
	return app.NewResponse(http.StatusInternalServerError, []byte("rendered: "+failure.Error()))
}

func startBridge(t *testing.T, cfg config.HTTPConfig, a app.Application) (string, *Bridge) {
	t.Helper()
	if cfg.Port == 0 {
		cfg.Port = 2346
	}
	b, err := New(Options{Config: cfg, NewApp: func() app.Application { return a }})
	require.NoError(t, err)
	require.NoError(t, b.Configure(service.Descriptor{
		Socket:  "http://127.0.0.1:0",
		Options: service.Options{Name: ServiceName, Count: 1},
	}))

	ready := make(chan *runtime.Worker, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Start(ctx, 0, service.Env{Control: &fakeControl{}, Ready: func(w *runtime.Worker) { ready <- w }})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case w := <-ready:
		<-w.Ready()
		return "http://" + w.Addr().String(), b
	case <-time.After(2 * time.Second):
		t.Fatal("bridge not started")
	}
	return "", nil
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func writeStatic(t *testing.T, root, name, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func TestStaticFileConditionalGet(t *testing.T) {
	root := t.TempDir()
	mtime := time.Unix(1700000000, 0)
	writeStatic(t, root, "missing/path", "static body", mtime)

	base, _ := startBridge(t, config.HTTPConfig{WebRoot: root}, &testApp{})

	resp, body := get(t, base+"/missing/path", map[string]string{
		"If-Modified-Since": mtime.Add(-time.Second).UTC().Format(http.TimeFormat),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "static body", body)
	assert.Equal(t, mtime.UTC().Format(http.TimeFormat), resp.Header.Get("Last-Modified"))

	resp, body = get(t, base+"/missing/path", map[string]string{
		"If-Modified-Since": mtime.UTC().Format(http.TimeFormat),
	})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)
}

func TestStaticNotModifiedDoesNotReadFile(t *testing.T) {
	root := t.TempDir()
	mtime := time.Unix(1700000000, 0)
	writeStatic(t, root, "locked.txt", "secret", mtime)
	file := filepath.Join(root, "locked.txt")
	require.NoError(t, os.Chmod(file, 0o000))
	t.Cleanup(func() { _ = os.Chmod(file, 0o644) })

	r := httpRequest(t, "GET", "/locked.txt", "")
	r.Header.Set("If-Modified-Since", mtime.UTC().Format(http.TimeFormat))
	resp := serveStatic(&runtime.HTTPRequest{Request: r}, file)
	assert.Equal(t, http.StatusNotModified, resp.Status)
	assert.Empty(t, resp.File, "304 must not stream the file")
	assert.Empty(t, resp.Body)

	base, _ := startBridge(t, config.HTTPConfig{WebRoot: root}, &testApp{})
	httpResp, body := get(t, base+"/locked.txt", map[string]string{
		"If-Modified-Since": mtime.UTC().Format(http.TimeFormat),
	})
	assert.Equal(t, http.StatusNotModified, httpResp.StatusCode)
	assert.Empty(t, body)
}

func TestDynamicRequestSeesHost(t *testing.T) {
	base, _ := startBridge(t, config.HTTPConfig{WebRoot: t.TempDir()}, &testApp{})

	req, err := http.NewRequest(http.MethodGet, base+"/host", nil)
	require.NoError(t, err)
	req.Host = "shop.example.com"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "host=shop.example.com", string(body))
}

func TestHandlerAppSeesHostThroughBridge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "host="+r.Host)
	})
	base, _ := startBridge(t, config.HTTPConfig{WebRoot: t.TempDir()}, app.FromHandler(mux))

	req, err := http.NewRequest(http.MethodGet, base+"/who", nil)
	require.NoError(t, err)
	req.Host = "api.example.com"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "host=api.example.com", string(body))
}

func TestMultipartTempFilesRemoved(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	base, _ := startBridge(t, config.HTTPConfig{WebRoot: t.TempDir()}, &testApp{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("upload", "big.bin")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("x"), 9<<20))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("note", "hi"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(base+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("big.bin:%d", 9<<20), string(body))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "multipart-"), "left behind %s", e.Name())
	}
}

func TestResetPanicIsRendered(t *testing.T) {
	a := &testApp{panicReset: true}
	base, _ := startBridge(t, config.HTTPConfig{WebRoot: t.TempDir()}, a)

	resp, body := get(t, base+"/anything", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "reset exploded")
	assert.Equal(t, 0, a.calls)

	// The worker is still serving.
	resp, body = get(t, base+"/again", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "path=again;q=;[out 1]", body)
}

func TestDynamicRequestAppendsCapturedOutput(t *testing.T) {
	a := &testApp{}
	base, _ := startBridge(t, config.HTTPConfig{WebRoot: t.TempDir(), ServerName: "warden-test"}, a)

	resp, body := get(t, base+"/users/list?q=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "path=users/list;q=1;[out 1]", body)
	assert.Equal(t, "warden-test", resp.Header.Get("Server"))

	_, body = get(t, base+"/again", nil)
	assert.Equal(t, "path=again;q=;[out 2]", body, "output of the first request must not leak")

	assert.Equal(t, 1, a.inits)
	assert.Equal(t, 2, a.resets)
}

func TestFailuresAreRendered(t *testing.T) {
	base, _ := startBridge(t, config.HTTPConfig{WebRoot: t.TempDir()}, &testApp{})

	resp, body := get(t, base+"/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "rendered: ")
	assert.Contains(t, body, "handler exploded")
	assert.NotContains(t, body, "half-written")

	resp, body = get(t, base+"/fail", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "rendered: no such route", body)

	// The worker is still serving.
	resp, _ = get(t, base+"/ok", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCookiesAreTranslated(t *testing.T) {
	base, _ := startBridge(t, config.HTTPConfig{WebRoot: t.TempDir()}, &testApp{})

	resp, _ := get(t, base+"/cookie", nil)
	sc := resp.Header.Get("Set-Cookie")
	assert.Contains(t, sc, "sid=abc")
	assert.Contains(t, sc, "Path=/")
	assert.Contains(t, sc, "Domain=example.com")
	assert.Contains(t, sc, "HttpOnly")
	assert.Contains(t, sc, "Secure")
	assert.Contains(t, sc, "SameSite=Strict")
}

func TestKeepAliveOnlyWhenRequested(t *testing.T) {
	h := http.Header{}
	assert.False(t, keepAlive(h))
	h.Set("Connection", "Keep-Alive")
	assert.True(t, keepAlive(h))
	h.Set("Connection", "Upgrade, keep-alive")
	assert.True(t, keepAlive(h))
	h.Set("Connection", "close")
	assert.False(t, keepAlive(h))
}

func TestFinalizeHeaders(t *testing.T) {
	req := &runtime.HTTPRequest{Request: httpRequest(t, "GET", "/", "")}

	resp := &runtime.HTTPResponse{Header: http.Header{"Content-Length": {"10"}}}
	finalize(req, resp, "warden")
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, "warden", resp.Header.Get("Server"))
	assert.Equal(t, "close", resp.Header.Get("Connection"))

	resp = &runtime.HTTPResponse{Header: http.Header{
		"Content-Length":    {"10"},
		"Transfer-Encoding": {"chunked"},
	}}
	finalize(req, resp, "warden")
	assert.Equal(t, "10", resp.Header.Get("Content-Length"), "chunked responses keep their headers")
}

func TestBuildRequest(t *testing.T) {
	r := httpRequest(t, "POST", "/shop/cart?item=7", "qty=2&note=hi")
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Trace-Id", "t1")
	r.AddCookie(&http.Cookie{Name: "sid", Value: "s1"})

	req, form := buildRequest(&runtime.HTTPRequest{Request: r, Body: []byte("qty=2&note=hi")})
	assert.Nil(t, form)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, "shop/cart", req.PathInfo)
	assert.Equal(t, "/shop/cart", req.BaseURL)
	assert.Equal(t, "/shop/cart?item=7", req.URL)
	assert.Equal(t, "7", req.Query.Get("item"))
	assert.Equal(t, "2", req.Post.Get("qty"))
	assert.Equal(t, "s1", req.Cookie["sid"])
	assert.Equal(t, "t1", req.Server["HTTP_X_TRACE_ID"])
	assert.Equal(t, "item=7", req.Server["QUERY_STRING"])
	assert.Equal(t, []byte("qty=2&note=hi"), req.Input)
}

func httpRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(method, "http://example.com"+target, strings.NewReader(body))
	require.NoError(t, err)
	r.RequestURI = target
	return r
}
