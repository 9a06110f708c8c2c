package source

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/miszen/internal/event"
)

// maxCountSize is the largest file whose lines are counted for
// code_changed events.
const maxCountSize = 4 << 20

// Watcher turns filesystem changes under a directory tree into events:
//
//	create          -> file_created
//	write           -> code_changed (lines_changed = change in line count)
//	remove, rename  -> file_deleted
//
// Hidden files and directories are ignored. Bursts of operations on one
// path are coalesced over Debounce.
type Watcher struct {
	root     string
	logger   *slog.Logger
	debounce time.Duration

	lines   map[string]int
	pending map[string]fsnotify.Op
	ready   func() // called once the initial tree is watched
}

// NewWatcher creates a watcher for the tree rooted at root.
func NewWatcher(root string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		lines:    make(map[string]int),
		pending:  make(map[string]fsnotify.Op),
	}
}

// Run watches until ctx is cancelled or the sink closes.
func (w *Watcher) Run(ctx context.Context, sink Sink) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching for file changes", "root", w.root)
	if w.ready != nil {
		w.ready()
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if hidden(w.root, ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.logger.Warn("watch new directory", "dir", ev.Name, "error", err)
					}
					continue
				}
			}
			w.pending[ev.Name] |= ev.Op
			timer.Reset(w.debounce)

		case <-timer.C:
			if !w.flush(sink) {
				return nil
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

// addTree watches dir and every non-hidden directory below it, recording
// the line counts of the files it finds.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if n, ok := countLines(path); ok {
			w.lines[path] = n
		}
		return nil
	})
}

// flush emits one event per pending path. It returns false if the sink
// closed.
func (w *Watcher) flush(sink Sink) bool {
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)

	for path, op := range pending {
		ev, ok := w.toEvent(path, op)
		if !ok {
			continue
		}
		w.logger.Debug("file event", "kind", ev.Kind, "path", path, "op", op.String())
		if !sink.Enqueue(ev) {
			return false
		}
	}
	return true
}

func (w *Watcher) toEvent(path string, op fsnotify.Op) (event.Event, bool) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	switch {
	case !exists && (op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)):
		_, known := w.lines[path]
		delete(w.lines, path)
		if !known && op.Has(fsnotify.Create) {
			// Created and removed within one debounce window.
			return event.Event{}, false
		}
		return event.NewFileEvent(event.KindFileDeleted, path, nil), true

	case !exists:
		return event.Event{}, false

	case op.Has(fsnotify.Create):
		n, _ := countLines(path)
		w.lines[path] = n
		return event.NewFileEvent(event.KindFileCreated, path, event.Payload{"line_count": n}), true

	case op.Has(fsnotify.Write):
		n, ok := countLines(path)
		if !ok {
			return event.Event{}, false
		}
		before := w.lines[path]
		w.lines[path] = n
		delta := n - before
		if delta < 0 {
			delta = -delta
		}
		return event.NewCodeChangeEvent(path, delta, event.Payload{"line_count": n}), true

	default:
		return event.Event{}, false
	}
}

func countLines(path string) (int, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxCountSize {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && data[len(data)-1] != '\n' {
		n++
	}
	return n, true
}

// hidden reports whether any element of path below root starts with a dot.
func hidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
