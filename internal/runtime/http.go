package runtime

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/warden/pkg/types"
)

// HTTPRequest is the message an http listener hands to OnMessage. Body is
// read completely before dispatch.
type HTTPRequest struct {
	*http.Request
	Body []byte
}

// HTTPResponse is sent back through Conn.Send on http connections. When File
// is set the file is streamed and Body is ignored.
type HTTPResponse struct {
	Status int
	Header http.Header
	Body   []byte
	File   string
}

type connKey struct{}

// httpConn is one keep-alive TCP connection of an http listener. At most one
// request is in flight on it at a time.
type httpConn struct {
	base
	nc net.Conn

	mu      sync.Mutex
	waiting chan *HTTPResponse
}

func (c *httpConn) Info() types.ConnectionInfo {
	return types.ConnectionInfo{
		Service:    c.w.name,
		Worker:     c.w.id,
		ID:         c.id,
		Protocol:   c.proto,
		RemoteAddr: c.remote,
		Since:      c.since,
	}
}

func (c *httpConn) Send(data any) error {
	resp, ok := data.(*HTTPResponse)
	if !ok {
		return errUnsupportedPayload
	}
	c.mu.Lock()
	ch := c.waiting
	c.waiting = nil
	c.mu.Unlock()

	if ch == nil || c.isClosed() {
		c.w.loop.Post(func() { c.w.fireError(c, types.CodeSendFail, msgClientClosed) })
		return &types.TransportError{Code: types.CodeSendFail, Message: msgClientClosed}
	}
	ch <- resp
	return nil
}

// abandon answers the pending request with a plain 500 when the hook failed
// before sending anything.
func (c *httpConn) abandon() {
	c.mu.Lock()
	ch := c.waiting
	c.waiting = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- &HTTPResponse{
			Status: http.StatusInternalServerError,
			Body:   []byte(http.StatusText(http.StatusInternalServerError)),
		}
	}
}

func (c *httpConn) Close() error {
	return c.nc.Close()
}

func (c *httpConn) expect() chan *HTTPResponse {
	ch := make(chan *HTTPResponse, 1)
	c.mu.Lock()
	c.waiting = ch
	c.mu.Unlock()
	return ch
}

func (c *httpConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.w.removeConn(c.id)
		c.w.loop.Post(func() { c.w.fireClose(c) })
	})
}

// ============================================================================
// HTTP 與 WebSocket 監聽
// ============================================================================

func (w *Worker) newHTTPServer() *http.Server {
	var tracked sync.Map // net.Conn -> *httpConn
	return &http.Server{
		Handler:           http.HandlerFunc(w.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext: func(ctx context.Context, nc net.Conn) context.Context {
			c := &httpConn{
				base: base{
					id:     w.nextConnID(),
					proto:  SchemeHTTP,
					remote: nc.RemoteAddr().String(),
					w:      w,
					since:  time.Now(),
					done:   make(chan struct{}),
				},
				nc: nc,
			}
			tracked.Store(nc, c)
			return context.WithValue(ctx, connKey{}, c)
		},
		ConnState: func(nc net.Conn, state http.ConnState) {
			v, ok := tracked.Load(nc)
			if !ok {
				return
			}
			c := v.(*httpConn)
			switch state {
			case http.StateNew:
				w.addConn(c)
				w.loop.Post(func() { w.fireConnect(c) })
			case http.StateClosed, http.StateHijacked:
				tracked.Delete(nc)
				c.shutdown()
			}
		},
	}
}

func (w *Worker) serveHTTP(rw http.ResponseWriter, r *http.Request) {
	c, _ := r.Context().Value(connKey{}).(*httpConn)
	if c == nil {
		http.Error(rw, "no connection", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPackageSize+1))
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	if len(body) > MaxPackageSize {
		http.Error(rw, "request entity too large", http.StatusRequestEntityTooLarge)
		return
	}

	req := &HTTPRequest{Request: r, Body: body}
	ch := c.expect()
	if !w.loop.Post(func() {
		if !w.fireMessage(c, req) {
			c.abandon()
		}
	}) {
		http.Error(rw, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	select {
	case resp := <-ch:
		writeHTTPResponse(rw, r, resp)
	case <-r.Context().Done():
	case <-w.stopCh:
		http.Error(rw, "service unavailable", http.StatusServiceUnavailable)
	}
}

func writeHTTPResponse(rw http.ResponseWriter, r *http.Request, resp *HTTPResponse) {
	h := rw.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.File == "" {
		rw.WriteHeader(status)
		if len(resp.Body) > 0 {
			_, _ = rw.Write(resp.Body)
		}
		return
	}

	f, err := os.Open(resp.File)
	if err != nil {
		http.Error(rw, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(rw, "not found", http.StatusNotFound)
		return
	}
	if h.Get("Content-Type") == "" {
		ctype := mime.TypeByExtension(filepath.Ext(resp.File))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		h.Set("Content-Type", ctype)
	}
	h.Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))
	h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	rw.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(rw, f)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (w *Worker) newWebSocketServer() *http.Server {
	return &http.Server{
		Handler:           http.HandlerFunc(w.serveWebSocket),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (w *Worker) serveWebSocket(rw http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Debug("websocket upgrade failed")
		return
	}
	c := newStreamConn(w, SchemeWebSocket, r.RemoteAddr, &wsTransport{ws: ws}, encodeWebSocket)
	c.hs = handshakeFrom(r)
	w.addConn(c)
	w.loop.Post(func() { w.fireConnect(c) })
	go c.writeLoop()
	c.readWebSocket(ws)
}

func handshakeFrom(r *http.Request) *Handshake {
	hs := &Handshake{
		Server: map[string]string{
			"REQUEST_METHOD":  r.Method,
			"REQUEST_URI":     r.RequestURI,
			"QUERY_STRING":    r.URL.RawQuery,
			"SERVER_PROTOCOL": r.Proto,
			"REMOTE_ADDR":     r.RemoteAddr,
			"HTTP_HOST":       r.Host,
		},
		Get:    map[string]string{},
		Cookie: map[string]string{},
	}
	for k, vs := range r.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		hs.Server[key] = strings.Join(vs, ", ")
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			hs.Get[k] = vs[0]
		}
	}
	for _, ck := range r.Cookies() {
		hs.Cookie[ck.Name] = ck.Value
	}
	return hs
}

func serveErr(err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
