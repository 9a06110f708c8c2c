package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each successfully reloaded table. Tables whose
// fingerprint matches the previous one are not delivered.
type ReloadFunc func(*Table)

// Watcher reloads a mapping file when it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors which replace the file atomically are handled. A reload that
// fails to parse is logged and the previous table stays in effect.
type Watcher struct {
	path     string
	opts     []LoadOption
	onReload ReloadFunc
	logger   *slog.Logger
	debounce time.Duration

	last string
}

// NewWatcher creates a watcher for path. current is the table already in
// effect; it seeds change detection and may be nil.
func NewWatcher(path string, current *Table, onReload ReloadFunc, logger *slog.Logger, opts ...LoadOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		opts:     opts,
		onReload: onReload,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		last:     current.Fingerprint(),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("mapping file event", "op", ev.Op.String(), "file", ev.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	t, err := Load(w.path, w.opts...)
	if err != nil {
		w.logger.Error("mapping reload rejected, keeping previous table", "path", w.path, "error", err)
		return
	}
	if t.Fingerprint() == w.last {
		w.logger.Debug("mapping unchanged", "path", w.path)
		return
	}
	w.last = t.Fingerprint()
	w.logger.Info("mapping reloaded", "path", w.path, "rules", t.Len(), "fingerprint", t.Fingerprint()[:12])
	if w.onReload != nil {
		w.onReload(t)
	}
}
