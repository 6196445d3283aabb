package httpbridge

import (
	"net/http"
	"strings"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/runtime"
)

// toWire converts the application response, cookies included.
func toWire(resp *app.Response) *runtime.HTTPResponse {
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, c := range resp.Cookies {
		if s := toHTTPCookie(c).String(); s != "" {
			h.Add("Set-Cookie", s)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &runtime.HTTPResponse{Status: status, Header: h, Body: resp.Body}
}

func toHTTPCookie(c app.Cookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if !c.Expire.IsZero() {
		hc.Expires = c.Expire
	}
	switch strings.ToLower(c.SameSite) {
	case "lax":
		hc.SameSite = http.SameSiteLaxMode
	case "strict":
		hc.SameSite = http.SameSiteStrictMode
	case "none":
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

// finalize applies the headers every bridged response gets. The framing is
// recomputed by net/http, so a Content-Length carried over from the
// application is dropped unless the response is chunked.
func finalize(req *runtime.HTTPRequest, resp *runtime.HTTPResponse, serverName string) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if !isChunked(resp.Header) {
		resp.Header.Del("Content-Length")
	}
	resp.Header.Set("Server", serverName)
	if keepAlive(req.Header) {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}
}

func isChunked(h http.Header) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(v), "chunked") {
			return true
		}
	}
	return false
}

// keepAlive is true only for an explicit "Connection: keep-alive".
func keepAlive(h http.Header) bool {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "keep-alive") {
				return true
			}
		}
	}
	return false
}
