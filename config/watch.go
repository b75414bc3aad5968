package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c0deZ3R0/go-record-sync/logging"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher starts watching path. The parent directory is watched so that
// editors which replace the file by rename are still observed.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if logger == nil {
		logger = logging.WithComponent("config").Logger
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, fsw: fsw, debounce: DefaultDebounce, logger: logger}, nil
}

// Run calls fn with the freshly loaded config, or the load error, after each
// change. It blocks until ctx is done and closes the watcher on return.
func (w *Watcher) Run(ctx context.Context, fn func(*Config, error)) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Config file changed", "path", w.path, "op", event.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)

		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("Config reload failed", "path", w.path, "error", err)
			} else {
				w.logger.Info("Config reloaded", "path", w.path)
			}
			fn(cfg, err)
		}
	}
}

// Close stops the watcher without waiting for Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Watch is NewWatcher followed by Run.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	w, err := NewWatcher(path, nil)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}
