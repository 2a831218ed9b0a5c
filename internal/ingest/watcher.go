// Package ingest watches the inbox directory and submits newly dropped
// source files for pipeline runs.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SubmitFunc receives the path of a settled source file
type SubmitFunc func(path string)

// supported source extensions, lowercase
var supportedExt = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".xlsm": true,
}

// Watcher debounces file events from the inbox directory. A file is submitted
// once no write has touched it for the settle delay, so half-copied files are
// not picked up.
type Watcher struct {
	dir         string
	settleDelay time.Duration
	submit      SubmitFunc
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher creates an inbox watcher
func NewWatcher(dir string, settleDelay time.Duration, submit SubmitFunc, logger *slog.Logger) (*Watcher, error) {
	if submit == nil {
		return nil, fmt.Errorf("ingest: nil submit function")
	}
	if settleDelay <= 0 {
		settleDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: failed to create inbox: %w", err)
	}
	return &Watcher{
		dir:         dir,
		settleDelay: settleDelay,
		submit:      submit,
		logger:      logger.With(slog.String("component", "ingest.watcher")),
		pending:     make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching. Files already sitting in the inbox are scheduled
// too, so sources dropped while the service was down are not missed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: failed to create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("ingest: failed to watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("ingest: failed to read inbox: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.schedule(filepath.Join(w.dir, entry.Name()))
		}
	}

	go w.loop(ctx)
	w.logger.Info("inbox_watch_started",
		slog.String("dir", w.dir),
		slog.Duration("settle_delay", w.settleDelay))
	return nil
}

// Stop stops watching and drops pending submissions
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if w.fsw != nil {
		w.fsw.Close()
	}
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox_watch_error", slog.String("error", err.Error()))
		}
	}
}

// schedule arms, or re-arms, the settle timer for a source file
func (w *Watcher) schedule(path string) {
	if !supportedExt[strings.ToLower(filepath.Ext(path))] {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(w.settleDelay, func() {
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	w.logger.Info("source_settled", slog.String("path", path))
	w.submit(path)
}
