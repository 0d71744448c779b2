// Package watch reloads the TOML configuration file on change so that
// safe settings can be adjusted without restarting live device sessions.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldgate-io/fieldgate/internal/cliconfig"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

const debounceDelay = 100 * time.Millisecond

// Applier receives the re-parsed file configuration after each change.
// Which fields are safe to apply at runtime is the applier's call.
type Applier func(cliconfig.FileConfig)

// Watcher monitors one configuration file via fsnotify.
type Watcher struct {
	path   string
	apply  Applier
	logger log.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// New creates a watcher for the config file at path.
func New(path string, apply Applier, logger log.Logger) *Watcher {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Watcher{path: path, apply: apply, logger: logger}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file itself: editors and config management tools
// replace files by rename, which drops a file-level watch.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("config watcher setup failed", log.Err(err))
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		w.logger.Error("config watcher cannot watch directory",
			log.String("dir", dir),
			log.Err(err),
		)
		return
	}

	w.logger.Debug("watching config file", log.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounceReload(debounceDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", log.Err(err))
		}
	}
}

// debounceReload coalesces the event bursts editors produce on save.
func (w *Watcher) debounceReload(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, w.reload)
}

func (w *Watcher) reload() {
	fc, err := cliconfig.LoadFileConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload skipped",
			log.String("path", w.path),
			log.Err(err),
		)
		return
	}
	w.logger.Info("config file reloaded", log.String("path", w.path))
	w.apply(fc)
}
