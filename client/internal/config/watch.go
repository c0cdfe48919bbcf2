package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettle lets editors finish their write-rename dance before reloading.
const watchSettle = 150 * time.Millisecond

// Watch calls onChange with the reloaded configuration every time the file at
// path is written or replaced. Invalid edits are logged and skipped. The
// parent directory is watched so atomic saves are seen. Watch blocks until
// ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.With("component", "config", "path", abs)
	settle := time.NewTimer(watchSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle.Reset(watchSettle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("error watching config", "error", err)
		case <-settle.C:
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("ignoring config edit", "error", err)
				continue
			}
			logger.Info("config reloaded")
			onChange(cfg)
		}
	}
}
