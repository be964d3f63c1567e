package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchSchemeFile monitors the points scheme file and calls onChange
// each time it is written, so scale updates take effect without a
// restart. It runs until ctx is cancelled.
//
// A failed reload (onChange returning an error) is logged and the
// previously loaded scales remain active.
func WatchSchemeFile(ctx context.Context, path string, onChange func(path string) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching points scheme file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, which arrives as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := onChange(path); err != nil {
				slog.Error("config: scheme reload failed, keeping previous scales",
					"path", path, "err", err)
			} else {
				slog.Info("config: scheme reloaded", "path", path)
			}

			// Re-add in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
