package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/turtacn/paygate/pkg/logger"
)

// Watcher reloads an Engine's policies when the policy file changes. A file that fails to parse is
// logged and the previous policy set stays active.
type Watcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	logger   logger.Logger
}

// NewWatcher creates a watcher for path.
func NewWatcher(engine *Engine, path string, log logger.Logger) *Watcher {
	return &Watcher{
		engine:   engine,
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		logger:   log.WithComponent("PolicyWatcher"),
	}
}

// Reload loads the file and swaps it into the engine.
func (w *Watcher) Reload(ctx context.Context) error {
	policies, err := LoadPolicies(w.path)
	if err != nil {
		return err
	}
	if err := w.engine.ReplaceAll(policies); err != nil {
		return err
	}
	w.logger.Info(ctx, "policies reloaded",
		logger.String("path", w.path),
		logger.Int("count", len(policies)),
	)
	return nil
}

// Run watches the file's directory until ctx is done. Watching the directory survives editors that
// replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

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
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
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
			if err := w.Reload(ctx); err != nil {
				w.logger.Error(ctx, "policy reload failed, keeping previous policies", err,
					logger.String("path", w.path))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(ctx, "policy file watcher error", err)
		}
	}
}
