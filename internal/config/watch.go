package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	. "github.com/noema/ucm/internal/logging"
)

// Watcher reloads a CoreConfig whenever its backing file changes on disk.
// Grounded on internal/session/watcher.go's SessionWatcher: fsnotify
// cannot reliably watch a single file across platforms (a save is often
// an unlink+create, not a write to the original inode), so the directory
// is watched and events are filtered down to the target basename.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*CoreConfig)
	mu       sync.Mutex
	stopCh   chan struct{}
	running  bool
}

// NewWatcher builds a Watcher for path. onChange is invoked with the
// freshly reloaded config each time the file changes; reload errors are
// logged and leave the previous config in place.
func NewWatcher(path string, onChange func(*CoreConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, watcher: fw, onChange: onChange, stopCh: make(chan struct{})}, nil
}

// Start begins watching. Stop via ctx cancellation or Watcher.Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	L_info("config: watching for changes", "path", w.path, "dir", dir)
	go w.loop(ctx)
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
}

func (w *Watcher) loop(ctx context.Context) {
	target := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				L_warn("config: reload failed, keeping previous config", "path", w.path, "error", err)
				continue
			}
			L_info("config: reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("config: watcher error", "error", err)
		}
	}
}
