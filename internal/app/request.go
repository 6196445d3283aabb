package app

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// Request is the bridged application request. It is built fresh for every
// inbound message and owned by that message's handling cycle only.
type Request struct {
	Method     string
	// Host is the request host; net/http keeps it out of Header.
	Host       string
	Header     http.Header
	Server     map[string]string
	Query      url.Values
	Post       url.Values
	Cookie     map[string]string
	Files      map[string][]*multipart.FileHeader
	Input      []byte
	BaseURL    string
	URL        string
	PathInfo   string
	RemoteAddr string

	ctx context.Context
}

// Context returns the request context, never nil.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy bound to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Cookie is one cookie-set directive.
type Cookie struct {
	Name     string
	Value    string
	Expire   time.Time
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	// SameSite is "lax", "strict", "none" or empty.
	SameSite string
}

// Response is the bridged application response.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Cookies []Cookie
}

// NewResponse returns a response with an initialized header map.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// SetCookie appends a cookie-set directive.
func (r *Response) SetCookie(c Cookie) {
	r.Cookies = append(r.Cookies, c)
}

// Output collects incidental output written outside the Response during one
// request. It is not safe for concurrent use.
type Output struct {
	buf bytes.Buffer
}

func (o *Output) Write(p []byte) (int, error)       { return o.buf.Write(p) }
func (o *Output) WriteString(s string) (int, error) { return o.buf.WriteString(s) }
func (o *Output) Len() int                          { return o.buf.Len() }

// Drain returns everything written so far and empties the sink.
func (o *Output) Drain() []byte {
	if o.buf.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), o.buf.Bytes()...)
	o.buf.Reset()
	return out
}

type outputKey struct{}

// WithOutput attaches out to ctx so deeply nested code can reach it.
func WithOutput(ctx context.Context, out *Output) context.Context {
	return context.WithValue(ctx, outputKey{}, out)
}

// OutputFrom returns the sink attached to ctx, or io.Discard.
func OutputFrom(ctx context.Context) io.Writer {
	if out, ok := ctx.Value(outputKey{}).(*Output); ok && out != nil {
		return out
	}
	return io.Discard
}
