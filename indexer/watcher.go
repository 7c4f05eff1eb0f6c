package indexer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers incremental index runs when the project tree changes.
// Events are coalesced with a debounce window; the triggered run is the
// ordinary hash-based incremental run, so the watcher never needs to track
// individual files.
type Watcher struct {
	indexer  *Indexer
	project  string
	path     string
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for one project tree.
func NewWatcher(ix *Indexer, project, path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		indexer:  ix,
		project:  project,
		path:     path,
		debounce: debounce,
		watcher:  fsw,
	}, nil
}

// Start watches the tree until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	filter, err := NewPatternFilter(w.path, nil, w.indexer.cfg.ExcludePatterns)
	if err != nil {
		return err
	}
	if err := w.addDirs(filter); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	go w.loop(ctx, filter)

	slog.Info("Started index watcher", "project", w.project, "path", w.path)
	return nil
}

// Stop ends watching and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.cancel()
	w.running = false
	return w.watcher.Close()
}

func (w *Watcher) addDirs(filter *PatternFilter) error {
	return filepath.Walk(w.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if filter.ShouldExclude(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			slog.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context, filter *PatternFilter) {
	var timer *time.Timer

	trigger := func() {
		err := w.indexer.Run(ctx, RunRequest{Project: w.project, Path: w.path})
		if err != nil && err != ErrAlreadyIndexing {
			slog.Error("Watcher-triggered index run failed",
				"project", w.project, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if filter.ShouldExclude(event.Name) {
				continue
			}

			// New directories need to be watched before their contents
			// produce events.
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						slog.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, trigger)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Index watcher error", "project", w.project, "error", err)
		}
	}
}
