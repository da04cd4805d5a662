package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceInterval coalesces editor write bursts into one reload.
const debounceInterval = 500 * time.Millisecond

// Watch reloads the global configuration whenever the settings file changes.
// It watches the parent directory so atomic saves (write temp + rename) are
// picked up. Blocks until ctx is cancelled.
func Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	settings := SettingsPath()
	if err := watcher.Add(filepath.Dir(settings)); err != nil {
		return err
	}

	var timer *time.Timer
	reload := func() {
		if _, err := Reload(); err != nil {
			log.Warn().Err(err).Msg("Failed to reload settings")
			return
		}
		log.Info().Str("path", settings).Msg("Settings reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != settings {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}
