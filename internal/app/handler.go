package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// HandlerApp adapts a plain http.Handler into an Application. The request
// context carries the Output sink (see OutputFrom).
type HandlerApp struct {
	Handler http.Handler
	// OnInit and OnReset are optional.
	OnInit  func(ctx context.Context) error
	OnReset func()
}

// FromHandler wraps h.
func FromHandler(h http.Handler) *HandlerApp {
	return &HandlerApp{Handler: h}
}

func (a *HandlerApp) Initialize(ctx context.Context) error {
	if a.OnInit != nil {
		return a.OnInit(ctx)
	}
	return nil
}

func (a *HandlerApp) Reset() {
	if a.OnReset != nil {
		a.OnReset()
	}
}

func (a *HandlerApp) HandleRequest(req *Request, out *Output) (*Response, error) {
	hr, err := toHTTPRequest(req, out)
	if err != nil {
		return nil, err
	}
	rec := &recorder{header: make(http.Header)}
	a.Handler.ServeHTTP(rec, hr)
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Header: rec.header, Body: rec.body.Bytes()}, nil
}

func (a *HandlerApp) Render(_ *Request, failure error) *Response {
	resp := NewResponse(http.StatusInternalServerError, []byte("Internal Server Error\n"))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if failure != nil {
		resp.Header.Set("X-Error", fmt.Sprintf("%T", failure))
	}
	return resp
}

func toHTTPRequest(req *Request, out *Output) (*http.Request, error) {
	target := req.URL
	if target == "" {
		target = "/"
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, err
	}
	ctx := WithOutput(req.Context(), out)
	hr, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(req.Input))
	if err != nil {
		return nil, err
	}
	hr.RequestURI = target
	hr.RemoteAddr = req.RemoteAddr
	hr.Header = req.Header.Clone()
	if hr.Header == nil {
		hr.Header = make(http.Header)
	}
	hr.Host = req.Host
	if hr.Host == "" {
		hr.Host = req.Server["HTTP_HOST"]
	}
	if hr.Host == "" {
		hr.Host = hr.Header.Get("Host")
	}
	return hr, nil
}

// recorder is a minimal http.ResponseWriter that buffers the response.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}
