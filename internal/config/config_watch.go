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

// watchDebounce collapses the several events an editor save fires.
const watchDebounce = 300 * time.Millisecond

// Watch tails the config file and calls apply with each successfully
// reloaded config. The parent directory is watched, not the file, so
// editors that save via rename are picked up too. A reload that fails
// to parse is logged and the previous config stays live. Blocks until
// ctx is done.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	target := filepath.Clean(path)
	var mu sync.Mutex
	var pending *time.Timer
	defer func() {
		mu.Lock()
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		next, err := Load(path)
		if err != nil {
			slog.Warn("config.reload_failed", "path", path, "error", err)
			return
		}
		slog.Info("config.reloaded", "path", path, "hash", next.Hash())
		apply(next)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if pending != nil {
				pending.Reset(watchDebounce)
			} else {
				pending = time.AfterFunc(watchDebounce, func() {
					mu.Lock()
					pending = nil
					mu.Unlock()
					reload()
				})
			}
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}
