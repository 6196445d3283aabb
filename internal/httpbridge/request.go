package httpbridge

import (
	"bytes"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/runtime"
)

// maxMemory bounds multipart parsing held in memory; larger parts spill to
// temp files.
const maxMemory = 8 << 20

// buildRequest makes a fresh application request for one wire request.
// Nothing here is shared with any other request. A non-nil form owns temp
// files; the caller removes them once the request is handled.
func buildRequest(wire *runtime.HTTPRequest) (*app.Request, *multipart.Form) {
	r := wire.Request

	server := map[string]string{
		"REQUEST_METHOD":  r.Method,
		"REQUEST_URI":     r.RequestURI,
		"QUERY_STRING":    r.URL.RawQuery,
		"PATH_INFO":       r.URL.Path,
		"SERVER_PROTOCOL": r.Proto,
		"REMOTE_ADDR":     r.RemoteAddr,
		"HTTP_HOST":       r.Host,
	}
	for k, vs := range r.Header {
		server["HTTP_"+strings.ToUpper(strings.ReplaceAll(k, "-", "_"))] = strings.Join(vs, ", ")
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	post, form := parseBody(r, wire.Body)
	var files map[string][]*multipart.FileHeader
	if form != nil {
		files = form.File
	}

	return &app.Request{
		Method:     r.Method,
		Host:       r.Host,
		Header:     r.Header.Clone(),
		Server:     server,
		Query:      r.URL.Query(),
		Post:       post,
		Cookie:     cookies,
		Files:      files,
		Input:      wire.Body,
		BaseURL:    r.URL.Path,
		URL:        r.RequestURI,
		PathInfo:   strings.TrimPrefix(r.URL.Path, "/"),
		RemoteAddr: r.RemoteAddr,
	}, form
}

func parseBody(r *http.Request, body []byte) (url.Values, *multipart.Form) {
	post := url.Values{}
	if len(body) == 0 {
		return post, nil
	}
	ct, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return post, nil
	}
	switch ct {
	case "application/x-www-form-urlencoded":
		if v, err := url.ParseQuery(string(body)); err == nil {
			post = v
		}
	case "multipart/form-data":
		mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		form, err := mr.ReadForm(maxMemory)
		if err != nil {
			return post, nil
		}
		for k, vs := range form.Value {
			post[k] = vs
		}
		return post, form
	}
	return post, nil
}
