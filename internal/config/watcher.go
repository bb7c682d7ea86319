package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/phuslu/log"
)

// WatchFile watches the configuration file and invokes onChange with the
// freshly loaded and validated config whenever it is rewritten. Invalid
// intermediate states are logged and skipped, never applied.
//
// The parent directory is watched rather than the file itself: most editors
// and config management tools replace the file by rename, which would
// otherwise silently detach the watch.
func WatchFile(ctx context.Context, path string, onChange func(*AppConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// coalesce bursts of events into one reload
		var pending *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})

			case <-reload:
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping current settings")
					continue
				}
				if err := cfg.Validate(); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("config invalid after reload, keeping current settings")
					continue
				}
				log.Info().Str("path", path).Msg("configuration reloaded")
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return nil
}
