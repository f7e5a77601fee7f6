package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of catalog edits into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a registry when its catalog directory changes.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration

	// reloaded receives one value per completed reload. Tests only.
	reloaded chan struct{}
}

// NewWatcher watches the registry's catalog directory.
func NewWatcher(r *Registry, debounce time.Duration) (*Watcher, error) {
	if r.config.Dir == "" {
		return nil, fmt.Errorf("registry has no catalog directory")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(r.config.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", r.config.Dir, err)
	}
	return &Watcher{registry: r, watcher: fw, debounce: debounce}, nil
}

func catalogFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
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
			if !catalogFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.registry.logger.Info("catalog_changed", map[string]interface{}{"dir": w.registry.config.Dir})
			w.registry.Reload()
			if w.reloaded != nil {
				select {
				case w.reloaded <- struct{}{}:
				default:
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.registry.logger.Warn("catalog_watch_error", map[string]interface{}{"error": err.Error()})
		}
	}
}
