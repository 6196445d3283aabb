package demo

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/ChuLiYu/warden/internal/app"
)

// App is the default HTTP application. Counters show per-request state
// being cleared by Reset while process state survives.
type App struct {
	*app.HandlerApp

	served   atomic.Int64 // requests served by this process
	requests int          // bumped by handlers, zeroed by Reset
}

func NewApp() *App {
	a := &App{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.index)
	mux.HandleFunc("/stats", a.stats)
	mux.HandleFunc("/echo", a.echo)
	mux.HandleFunc("/panic", func(http.ResponseWriter, *http.Request) { panic("demo panic") })
	a.HandlerApp = app.FromHandler(mux)
	a.OnReset = func() { a.requests = 0 }
	return a
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	a.served.Add(1)
	a.requests++
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "hello from warden worker %d\n", os.Getpid())
}

func (a *App) stats(w http.ResponseWriter, _ *http.Request) {
	a.served.Add(1)
	a.requests++
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pid":      os.Getpid(),
		"served":   a.served.Load(),
		"requests": a.requests,
	})
}

// echo copies the query string back; stray writes to the output sink are
// discarded by the bridge.
func (a *App) echo(w http.ResponseWriter, r *http.Request) {
	a.served.Add(1)
	a.requests++
	fmt.Fprint(app.OutputFrom(r.Context()), "debug: echo called")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, r.URL.Query().Get("msg"))
}
