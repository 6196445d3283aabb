package httpbridge

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/warden/internal/runtime"
)

// 熱更新模式
const (
	ModePoll   = "poll"
	ModeNotify = "notify"
)

const (
	defaultScanInterval = 2 * time.Second
	notifyDebounce      = 50 * time.Millisecond
)

// DefaultExtensions are the source extensions watched when none are set.
var DefaultExtensions = []string{".go"}

// WatchOptions configures a Watcher.
type WatchOptions struct {
	Include    []string
	Extensions []string
	// Reload is raised once per detected change.
	Reload func() error
	Logger *zap.Logger
}

// Watcher detects source files modified after its watermark. Scan must be
// called from one goroutine at a time; the bridge calls it on the loop.
type Watcher struct {
	include   []string
	exts      map[string]bool
	reload    func() error
	logger    *zap.Logger
	watermark time.Time
}

// NewWatcher starts with the watermark at the current time, so files
// already on disk never trigger a reload.
func NewWatcher(opts WatchOptions) *Watcher {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		include:   opts.Include,
		exts:      set,
		reload:    opts.Reload,
		logger:    logger,
		watermark: time.Now(),
	}
}

// Watermark is the modification time of the last file that triggered a reload.
func (w *Watcher) Watermark() time.Time { return w.watermark }

// Scan walks every include directory. The first source file newer than the
// watermark raises one reload and becomes the new watermark; the rest wait
// for the next scan.
func (w *Watcher) Scan() bool {
	for _, dir := range w.include {
		changed, mtime := w.findNewer(dir)
		if changed == "" {
			continue
		}
		w.logger.Info("[update] source changed", zap.String("file", changed))
		w.watermark = mtime
		if w.reload != nil {
			if err := w.reload(); err != nil {
				w.logger.Error("reload request failed", zap.Error(err))
			}
		}
		return true
	}
	return false
}

func (w *Watcher) findNewer(dir string) (string, time.Time) {
	var (
		found string
		mtime time.Time
	)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !w.exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().After(w.watermark) {
			found, mtime = path, fi.ModTime()
			return fs.SkipAll
		}
		return nil
	})
	return found, mtime
}

// loopScheduler is the part of *runtime.Worker the watcher needs.
type loopScheduler interface {
	AddTimer(interval time.Duration, fn func(), persistent bool) runtime.TimerID
	CancelTimer(id runtime.TimerID) bool
	Post(fn func()) bool
}

// Start schedules scanning on the worker loop. In poll mode a persistent
// timer scans every interval. In notify mode fsnotify events (debounced)
// post a scan instead. The returned func stops watching.
func (w *Watcher) Start(s loopScheduler, mode string, interval time.Duration) (func(), error) {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	if mode != ModeNotify {
		id := s.AddTimer(interval, func() { w.Scan() }, true)
		return func() { s.CancelTimer(id) }, nil
	}
	return w.startNotify(s)
}

func (w *Watcher) startNotify(s loopScheduler) (func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range w.include {
		if err := addTree(fw, dir); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}

	sctx := stopper.WithContext(context.Background())
	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	sctx.Defer(func() {
		_ = fw.Close()
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	})

	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					return nil
				}
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = addTree(fw, ev.Name)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !w.exts[strings.ToLower(filepath.Ext(ev.Name))] {
					continue
				}
				mu.Lock()
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(notifyDebounce, func() { s.Post(func() { w.Scan() }) })
				mu.Unlock()
			case err, ok := <-fw.Errors:
				if !ok {
					return nil
				}
				w.logger.Warn("fsnotify error", zap.Error(err))
			}
		}
	})

	return func() {
		sctx.Stop(100 * time.Millisecond)
		_ = sctx.Wait()
	}, nil
}

// addTree registers dir and all its subdirectories; fsnotify is not recursive.
func addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
