// ============================================================================
// Warden HTTP Bridge - 靜態檔案與動態請求橋接
// ============================================================================
//
// Package: internal/httpbridge
// File: bridge.go
// Purpose: Serves files under the web root directly and turns every other
//          request into a call against the embedded application.
//
// 請求流程:
//   Received ─┬─ regular file under web root ─→ 304 (If-Modified-Since) / 200 file
//             └─ anything else ─→ build Request → Reset → HandleRequest
//                                  (panic/error → Render) → wire response
//
// Worker 0 optionally runs the hot-reload watcher (see hotreload.go).
//
// ============================================================================

package httpbridge

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/app"
	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/internal/runtime"
	"github.com/ChuLiYu/warden/internal/service"
	"github.com/ChuLiYu/warden/pkg/types"
)

// ServiceName is the name the supervisor knows the bridge by.
const ServiceName = "http"

// DefaultServerName is sent in the Server header when none is configured.
const DefaultServerName = "warden"

// Options configures a Bridge.
type Options struct {
	Config config.HTTPConfig
	// NewApp creates the per-process application instance.
	NewApp  app.Factory
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Bridge is the HTTP bridge service.
type Bridge struct {
	*service.Base

	cfg        config.HTTPConfig
	root       string
	serverName string
	newApp     app.Factory
	logger     *zap.Logger
	metrics    *metrics.Collector

	// owned by the worker loop
	app     app.Application
	watcher *Watcher
	stopFn  func()
}

// New builds the bridge from the http configuration section.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config
	if opts.NewApp == nil {
		return nil, types.NewConfigurationError(ServiceName, "no application factory", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(cfg.WebRoot)
	if err != nil {
		return nil, types.NewConfigurationError(ServiceName, "bad web_root", err)
	}
	name := cfg.ServerName
	if name == "" {
		name = DefaultServerName
	}

	b := &Bridge{
		cfg:        cfg,
		root:       root,
		serverName: name,
		newApp:     opts.NewApp,
		logger:     logger.Named("httpbridge"),
		metrics:    opts.Metrics,
	}
	base, err := service.New(descriptor(cfg), b)
	if err != nil {
		return nil, err
	}
	b.Base = base
	if len(cfg.Option) > 0 {
		b.SetOption(cfg.Option)
	}
	return b, nil
}

func descriptor(cfg config.HTTPConfig) service.Descriptor {
	ctx := make(map[string]any, len(cfg.Context)+1)
	for k, v := range cfg.Context {
		ctx[k] = v
	}
	opts := service.Options{Count: cfg.WorkerNum, Name: ServiceName}
	if cfg.SSL {
		opts.Transport = "ssl"
		ctx["ssl"] = map[string]any{"local_cert": cfg.SSLCert, "local_pk": cfg.SSLKey}
	}
	return service.Descriptor{
		Protocol: runtime.SchemeHTTP,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Options:  opts,
		Context:  ctx,
	}
}

// OnWorkerStart creates this process's application and, on worker 0,
// starts the hot-reload watcher.
func (b *Bridge) OnWorkerStart(w *runtime.Worker) error {
	b.app = b.newApp()
	if err := b.app.Initialize(context.Background()); err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	hu := b.cfg.HotUpdate
	if w.ID() != 0 || !hu.Enable || len(hu.Include) == 0 {
		return nil
	}
	b.watcher = NewWatcher(WatchOptions{
		Include:    hu.Include,
		Extensions: hu.Extensions,
		Reload: func() error {
			b.metrics.RecordHotReload()
			return b.Restart(true)
		},
		Logger: b.logger,
	})
	interval := time.Duration(hu.Interval * float64(time.Second))
	stop, err := b.watcher.Start(w, hu.Mode, interval)
	if err != nil {
		// A broken watcher must not take the bridge down.
		b.logger.Warn("hot reload disabled", zap.Error(err))
		return nil
	}
	b.stopFn = stop
	return nil
}

func (b *Bridge) OnWorkerStop(_ *runtime.Worker) {
	if b.stopFn != nil {
		b.stopFn()
	}
	if c, ok := b.app.(app.Closer); ok {
		if err := c.Close(); err != nil {
			b.logger.Warn("application close failed", zap.Error(err))
		}
	}
}

func (b *Bridge) OnConnect(c runtime.Conn) {
	b.metrics.SetConnections(c.Worker().ConnectionCount())
}

func (b *Bridge) OnClose(c runtime.Conn) {
	b.metrics.SetConnections(c.Worker().ConnectionCount())
}

// OnMessage answers one request.
func (b *Bridge) OnMessage(c runtime.Conn, msg any) {
	req, ok := msg.(*runtime.HTTPRequest)
	if !ok {
		return
	}
	start := time.Now()
	kind := "dynamic"

	var resp *runtime.HTTPResponse
	if file, ok := b.staticFile(req.URL.Path); ok {
		kind = "static"
		resp = serveStatic(req, file)
	} else {
		resp = b.serveDynamic(req)
	}
	finalize(req, resp, b.serverName)

	b.metrics.RecordHTTP(kind, resp.Status, time.Since(start))
	if err := c.Send(resp); err != nil {
		b.logger.Debug("response not delivered", zap.Error(err))
	}
}

// serveDynamic runs the application. Whatever happens, the Output sink is
// drained and multipart temp files are removed before this returns.
func (b *Bridge) serveDynamic(wire *runtime.HTTPRequest) *runtime.HTTPResponse {
	req, form := buildRequest(wire)
	if form != nil {
		defer func() {
			if err := form.RemoveAll(); err != nil {
				b.logger.Warn("multipart cleanup failed", zap.Error(err))
			}
		}()
	}
	out := &app.Output{}
	resp, failure := b.handle(req, out)
	captured := out.Drain()

	if failure != nil {
		b.metrics.RecordHandlerFailure("handleRequest")
		b.logger.Error("request failed",
			zap.String("method", req.Method),
			zap.String("uri", req.URL),
			zap.Error(failure))
		resp = b.render(req, failure)
	} else if len(captured) > 0 {
		resp.Body = append(resp.Body, captured...)
	}
	return toWire(resp)
}

func (b *Bridge) handle(req *app.Request, out *app.Output) (resp *app.Response, err error) {
	defer service.Recover("handleRequest", &err)

	b.app.Reset()
	ctx := app.WithOutput(req.Context(), out)
	req = req.WithContext(ctx)
	resp, err = b.app.HandleRequest(req, out)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = app.NewResponse(http.StatusOK, nil)
	}
	if t, ok := b.app.(app.Terminator); ok {
		t.End(req, resp)
	}
	return resp, nil
}

// render asks the application for an error page. A renderer that fails
// itself gets a plain 500.
func (b *Bridge) render(req *app.Request, failure error) (resp *app.Response) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("error renderer panicked", zap.Error(types.Recover("render", r)))
			resp = nil
		}
		if resp == nil {
			resp = app.NewResponse(http.StatusInternalServerError, []byte(http.StatusText(http.StatusInternalServerError)))
		}
	}()
	resp = b.app.Render(req, failure)
	return resp
}

// Root is the absolute web root.
func (b *Bridge) Root() string { return b.root }
