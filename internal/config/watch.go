package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes and calls onReload
// with the freshly parsed policy section. Only the policy section is hot:
// listener and lifecycle settings need a restart. Blocks until ctx is done.
//
// Editors replace files with write+rename, so the watch is on the parent
// directory and filtered by name. Events are debounced because a single
// save often produces several.
func Watch(ctx context.Context, path string, onReload func(PolicyConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed, keeping previous policy", "path", path, "error", err)
					return
				}
				slog.Info("config reloaded", "path", path, "tools", len(cfg.Policy.Tools))
				onReload(cfg.SnapshotPolicy())
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
