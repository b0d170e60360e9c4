package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// minWatchTick bounds how often the debounce ticker fires.
const minWatchTick = 50 * time.Millisecond

// Watcher turns filesystem activity under the vault into sync triggers.
// Bursts of events are collapsed: a trigger fires once the vault has been
// quiet for the debounce interval, and at most one trigger is ever pending.
type Watcher struct {
	dir      string
	filter   *PathFilter
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	triggers chan struct{}
	ready    chan struct{}
}

// NewWatcher creates a watcher for dir. Paths the filter rejects (ignored
// files, the quarantine folder, temp files from atomic writes) never
// trigger a sync.
func NewWatcher(dir string, filter *PathFilter, debounce time.Duration, logger *slog.Logger) *Watcher {
	if filter == nil {
		filter = NewPathFilter(DefaultQuarantineDir)
	}

	return &Watcher{
		dir:      dir,
		filter:   filter,
		debounce: debounce,
		logger:   logger,
		triggers: make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}
}

// Triggers delivers one value per quiet period after activity.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.triggers
}

// Ready is closed once the initial directory tree is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Watch blocks until ctx is cancelled. Directories are watched
// recursively, including ones created later.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watching vault: %w", err)
	}

	close(w.ready)
	w.logger.Info("file watcher started", slog.String("dir", w.dir), slog.Duration("debounce", w.debounce))

	var lastEvent time.Time

	ticker := time.NewTicker(max(w.debounce/4, minWatchTick))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			// Lstat so a symlinked directory is never followed out of the vault.
			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			if event.Op == fsnotify.Chmod {
				continue
			}

			lastEvent = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if lastEvent.IsZero() || time.Since(lastEvent) < w.debounce {
				continue
			}

			lastEvent = time.Time{}

			select {
			case w.triggers <- struct{}{}:
				w.logger.Debug("vault changed, sync triggered")
			default:
			}
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.dir && w.shouldIgnore(path) {
			return filepath.SkipDir
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return true
	}

	return !w.filter.Allow(normalizePath(rel))
}
