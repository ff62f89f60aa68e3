package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debounce is how long Watch waits after the last change before reloading.
// Editors often write a file in several steps.
var Debounce = 250 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every
// successfully loaded and valid configuration to fn. It watches the parent
// directory so that atomic renames are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(Config)) error {
	if log == nil {
		log = slog.Default()
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := Load(path)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			log.Warn("Ignoring changed config", "path", path, "error", err)
			return
		}
		log.Info("Config reloaded", "path", path)
		fn(cfg)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(Debounce, reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error", "error", err)
		}
	}
}
