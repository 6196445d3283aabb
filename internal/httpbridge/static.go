package httpbridge

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/ChuLiYu/warden/internal/runtime"
)

// staticFile maps a URL path onto the web root. Only regular files count;
// directories and missing paths fall through to the application.
func (b *Bridge) staticFile(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	if clean == "/" {
		return "", false
	}
	file := filepath.Join(b.root, filepath.FromSlash(clean))
	fi, err := os.Stat(file)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return file, true
}

// serveStatic answers 304 without touching the file contents when
// If-Modified-Since names the file's modification second exactly.
func serveStatic(req *runtime.HTTPRequest, file string) *runtime.HTTPResponse {
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if notModified(file, ims) {
			return &runtime.HTTPResponse{Status: http.StatusNotModified, Header: make(http.Header)}
		}
	}
	return &runtime.HTTPResponse{Status: http.StatusOK, Header: make(http.Header), File: file}
}

func notModified(file, ims string) bool {
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	fi, err := os.Stat(file)
	if err != nil {
		return false
	}
	return fi.ModTime().Unix() == t.Unix()
}
