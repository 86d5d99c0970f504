package driftguard

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher hot-reloads the policy subset of the config when the file
// changes on disk. Window geometry changes are rejected by ApplyPolicy and
// leave the running policy untouched.
type ConfigWatcher struct {
	path    string
	engine  *Engine
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

func NewConfigWatcher(path string, engine *Engine, logger *zap.Logger) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config maps replace
	// the file by rename, which drops a direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(path), err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigWatcher{path: path, engine: engine, watcher: w, logger: logger}, nil
}

// Run blocks until ctx is done, applying config changes as they land.
func (cw *ConfigWatcher) Run(ctx context.Context) {
	defer cw.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cw.reload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watch error", zap.Error(err))
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		cw.logger.Error("config reload rejected", zap.String("path", cw.path), zap.Error(err))
		return
	}
	if err := cw.engine.ApplyPolicy(cfg); err != nil {
		cw.logger.Error("policy apply rejected", zap.String("path", cw.path), zap.Error(err))
		return
	}
	cw.logger.Info("config reloaded", zap.String("path", cw.path))
}
