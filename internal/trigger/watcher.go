package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads a rule file into an Analyzer whenever the file changes.
// A file that fails to load leaves the previous rule set active.
type Watcher struct {
	path     string
	analyzer *Analyzer
	logger   *zap.Logger
	// OnReload, when set, is called after every reload attempt.
	OnReload func(err error)
}

// NewWatcher creates a watcher for the rule file at path.
func NewWatcher(path string, analyzer *Analyzer, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		analyzer: analyzer,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so that
// editors that replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("Watching trigger rules", zap.String("path", w.path))

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Rule watcher error", zap.Error(err))
		case <-timer.C:
			w.Reload()
		}
	}
}

// Reload loads the rule file once and installs it on success.
func (w *Watcher) Reload() error {
	rs, err := LoadRules(w.path)
	if err != nil {
		w.logger.Warn("Failed to reload trigger rules, keeping previous set", zap.String("path", w.path), zap.Error(err))
	} else {
		w.analyzer.SetRules(rs)
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
	return err
}
