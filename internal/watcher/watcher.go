// internal/watcher/watcher.go
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a burst of file events is
// flushed as one notification.
const DefaultDebounce = 300 * time.Millisecond

// Directories that never carry project sources worth reporting
var skippedDirs = map[string]bool{
	".git":         true,
	".pagepatch":   true,
	"node_modules": true,
}

// ProjectWatcher watches a project tree recursively and reports changed
// paths in debounced batches. Agent turns touch many files in quick bursts;
// one notification per burst is what the overlay wants, not one per write.
type ProjectWatcher struct {
	root     string
	debounce time.Duration
	onChange func(paths []string)

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool
}

// Watch starts watching root and every directory below it. onChange
// receives root-relative paths, sorted, at most once per debounce window.
func Watch(root string, debounce time.Duration, onChange func(paths []string)) (*ProjectWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &ProjectWatcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		done:     make(chan struct{}),
		pending:  make(map[string]struct{}),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// addTree registers root and all its non-skipped subdirectories
func (w *ProjectWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if skippedDirs[d.Name()] && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("watching directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *ProjectWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *ProjectWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	if skipped(rel) {
		return
	}

	// Newly created directories need their own watch
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
			return
		}
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	w.pending[rel] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// skipped reports whether a relative path sits under an ignored directory
func skipped(rel string) bool {
	for _, part := range splitPath(rel) {
		if skippedDirs[part] {
			return true
		}
	}
	return false
}

func splitPath(rel string) []string {
	var parts []string
	for rel != "" && rel != "." {
		dir, file := filepath.Split(rel)
		parts = append(parts, file)
		rel = filepath.Clean(dir)
		if rel == string(filepath.Separator) {
			break
		}
		if dir == "" {
			break
		}
	}
	return parts
}

// flush delivers the accumulated batch
func (w *ProjectWatcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.timer = nil
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	sort.Strings(paths)
	w.onChange(paths)
}

// Close stops the watcher. Pending, unflushed changes are dropped.
func (w *ProjectWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	return w.fsw.Close()
}
