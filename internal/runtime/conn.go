package runtime

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/warden/pkg/types"
)

const (
	// DefaultMaxSendBuffer is the per-connection send buffer limit.
	DefaultMaxSendBuffer = 1 << 20
	// MaxPackageSize bounds one text frame or one http body.
	MaxPackageSize = 10 << 20

	msgClientClosed = "client closed"
	msgBufferFull   = "send buffer full and drop package"
)

var errUnsupportedPayload = errors.New("unsupported payload type")

type frame struct {
	kind int // websocket message type, 0 for raw streams
	data []byte
}

// transport is the wire side of a stream connection.
type transport interface {
	writeFrame(f frame) error
	close() error
}

// base holds what every connection kind shares.
type base struct {
	id     uint64
	proto  string
	remote string
	w      *Worker
	since  time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (b *base) ID() uint64 { return b.id }
func (b *base) Protocol() string { return b.proto }
func (b *base) RemoteAddr() string { return b.remote }
func (b *base) Worker() *Worker { return b.w }
func (b *base) Handshake() *Handshake { return nil }
func (b *base) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// streamConn is a tcp, text or websocket connection with a bounded,
// asynchronously flushed send buffer.
type streamConn struct {
	base
	hs     *Handshake
	tr     transport
	encode func(any) (frame, error)

	mu      sync.Mutex
	queue   []frame
	pending int
	full    bool
	closing bool
	notify  chan struct{}
}

func newStreamConn(w *Worker, proto, remote string, tr transport, enc func(any) (frame, error)) *streamConn {
	c := &streamConn{
		base: base{
			id:     w.nextConnID(),
			proto:  proto,
			remote: remote,
			w:      w,
			since:  time.Now(),
			done:   make(chan struct{}),
		},
		tr:     tr,
		encode: enc,
		notify: make(chan struct{}, 1),
	}
	return c
}

func (c *streamConn) Handshake() *Handshake { return c.hs }

func (c *streamConn) Info() types.ConnectionInfo {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	return types.ConnectionInfo{
		Service:    c.w.name,
		Worker:     c.w.id,
		ID:         c.id,
		Protocol:   c.proto,
		RemoteAddr: c.remote,
		Since:      c.since,
		SendQueue:  pending,
	}
}

// Send queues data. When the buffer is already full the package is dropped
// and OnError fires; when this package fills it, OnBufferFull fires.
func (c *streamConn) Send(data any) error {
	f, err := c.encode(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing || c.isClosed() {
		c.mu.Unlock()
		c.w.loop.Post(func() { c.w.fireError(c, types.CodeSendFail, msgClientClosed) })
		return &types.TransportError{Code: types.CodeSendFail, Message: msgClientClosed}
	}
	if c.full {
		c.mu.Unlock()
		c.w.loop.Post(func() { c.w.fireError(c, types.CodeSendFail, msgBufferFull) })
		return &types.TransportError{Code: types.CodeSendFail, Message: msgBufferFull}
	}
	c.queue = append(c.queue, f)
	c.pending += len(f.data)
	becameFull := c.pending >= c.w.maxSendBuffer
	if becameFull {
		c.full = true
	}
	c.mu.Unlock()

	c.wakeWriter()
	if becameFull {
		c.w.loop.Post(func() { c.w.fireBufferFull(c) })
	}
	return nil
}

// Close flushes what is queued and then closes the socket.
func (c *streamConn) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.wakeWriter()
	return nil
}

func (c *streamConn) wakeWriter() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *streamConn) writeLoop() {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		closing := c.closing
		c.mu.Unlock()

		if len(batch) == 0 {
			if closing {
				c.shutdown()
				return
			}
			select {
			case <-c.notify:
				continue
			case <-c.done:
				return
			}
		}

		for _, f := range batch {
			if err := c.tr.writeFrame(f); err != nil {
				c.shutdown()
				return
			}
		}

		c.mu.Lock()
		for _, f := range batch {
			c.pending -= len(f.data)
		}
		drained := c.full && c.pending == 0
		if drained {
			c.full = false
		}
		c.mu.Unlock()
		if drained {
			c.w.loop.Post(func() { c.w.fireBufferDrain(c) })
		}
	}
}

// shutdown closes the socket once and schedules OnClose.
func (c *streamConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.tr.close()
		c.w.removeConn(c.id)
		c.w.loop.Post(func() { c.w.fireClose(c) })
	})
}

// ============================================================================
// 傳輸層實作
// ============================================================================

type netTransport struct {
	nc net.Conn
}

func (t *netTransport) writeFrame(f frame) error {
	_, err := t.nc.Write(f.data)
	return err
}

func (t *netTransport) close() error { return t.nc.Close() }

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) writeFrame(f frame) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.ws.WriteMessage(f.kind, f.data)
}

func (t *wsTransport) close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return t.ws.Close()
}

func toBytes(data any) ([]byte, bool) {
	switch v := data.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	case fmt.Stringer:
		return []byte(v.String()), true
	}
	return nil, false
}

func encodeRaw(data any) (frame, error) {
	b, ok := toBytes(data)
	if !ok {
		return frame{}, fmt.Errorf("tcp: %w %T", errUnsupportedPayload, data)
	}
	return frame{data: b}, nil
}

func encodeText(data any) (frame, error) {
	b, ok := toBytes(data)
	if !ok {
		return frame{}, fmt.Errorf("text: %w %T", errUnsupportedPayload, data)
	}
	out := make([]byte, 0, len(b)+1)
	out = append(out, b...)
	return frame{data: append(out, '\n')}, nil
}

func encodeWebSocket(data any) (frame, error) {
	switch v := data.(type) {
	case string:
		return frame{kind: websocket.TextMessage, data: []byte(v)}, nil
	case []byte:
		return frame{kind: websocket.BinaryMessage, data: v}, nil
	}
	if b, ok := toBytes(data); ok {
		return frame{kind: websocket.TextMessage, data: b}, nil
	}
	return frame{}, fmt.Errorf("websocket: %w %T", errUnsupportedPayload, data)
}

// ============================================================================
// 讀取迴圈
// ============================================================================

func (c *streamConn) readRaw(nc net.Conn) {
	defer c.shutdown()
	buf := make([]byte, 64<<10)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			c.w.loop.Post(func() { c.w.fireMessage(c, msg) })
		}
		if err != nil {
			return
		}
	}
}

func (c *streamConn) readText(nc net.Conn) {
	defer c.shutdown()
	sc := bufio.NewScanner(nc)
	sc.Buffer(make([]byte, 0, 64<<10), MaxPackageSize+1)
	sc.Split(splitLine)
	for sc.Scan() {
		msg := strings.TrimRight(sc.Text(), "\r\n")
		c.w.loop.Post(func() { c.w.fireMessage(c, msg) })
	}
}

// splitLine yields newline-terminated lines only; an unterminated trailing
// line is not a complete package and is dropped at EOF. Lines longer than
// the scanner buffer end the scan with bufio.ErrTooLong.
func splitLine(data []byte, _ bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}

func (c *streamConn) readWebSocket(ws *websocket.Conn) {
	defer c.shutdown()
	ws.SetReadLimit(MaxPackageSize)
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg any = data
		if kind == websocket.TextMessage {
			msg = string(data)
		}
		c.w.loop.Post(func() { c.w.fireMessage(c, msg) })
	}
}
