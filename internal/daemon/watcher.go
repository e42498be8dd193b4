package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// StartWatcher watches the config file and triggers Reload when it changes.
// The parent directory is watched so editors that replace the file by
// rename are noticed. It blocks until the context is cancelled.
func (d *Daemon) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(d.cfgPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	d.logger.Info("watching config file for changes", "path", d.cfgPath)

	var debounceTimer *time.Timer
	target := filepath.Clean(d.cfgPath)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			d.logger.Debug("config file changed", "file", event.Name, "op", event.Op)

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				d.logger.Info("reloading config after file change")
				if _, err := d.Reload(ctx); err != nil {
					d.logger.Error("auto-reload failed", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("file watcher error", "error", err)
		}
	}
}
