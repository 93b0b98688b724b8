package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval batches rapid editor writes into one refresh signal.
const debounceInterval = 500 * time.Millisecond

// Watcher monitors the workspace for file changes and emits coalesced
// refresh signals. It carries no reconciliation logic of its own; the
// daemon reruns a reconciliation pass on each signal.
type Watcher struct {
	ws      *Workspace
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a file watcher over the given workspace.
func NewWatcher(ws *Workspace, logger *slog.Logger) *Watcher {
	return &Watcher{ws: ws, logger: logger}
}

// Watch starts watching the workspace. Each batch of filesystem events
// produces at most one (non-blocking) send on refresh after a quiet
// period. Blocks until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context, refresh chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	root := w.ws.Root()

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}

	if err := w.addRecursive(root); err != nil {
		return fmt.Errorf("watching workspace: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", root))

	var timer *time.Timer
	var timerC <-chan time.Time

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

			// If a new directory was created, watch it recursively.
			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					w.addRecursive(event.Name)
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			if timer == nil {
				timer = time.NewTimer(debounceInterval)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceInterval)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			select {
			case refresh <- struct{}{}:
				w.logger.Debug("workspace changed, refresh signalled")
			default:
				// A refresh is already pending; coalesce.
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// addRecursive watches dir and all subdirectories.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != dir && (strings.HasPrefix(base, ".") || base == "node_modules") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// shouldIgnore filters editor temp files and hidden paths out of the
// event stream.
func (w *Watcher) shouldIgnore(absPath string) bool {
	base := filepath.Base(absPath)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}
	rel, err := filepath.Rel(w.ws.Root(), absPath)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") || part == "node_modules" {
			return true
		}
	}
	return false
}
