package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval coalesces bursts of filesystem events for one file into
// a single reload.
const debounceInterval = 500 * time.Millisecond

// Watch monitors the configuration directory until ctx is cancelled.
// Persona file modifications reload only the persona section; other YAML
// modifications reload the whole document. Reload failures keep the
// previous document and are logged, never fatal.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go s.watchLoop(ctx, watcher)
	s.logger.Info().Str("dir", s.dir).Msg("config watcher started")
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Reset(debounceInterval)
			return
		}
		timers[path] = time.AfterFunc(debounceInterval, func() {
			mu.Lock()
			delete(timers, path)
			mu.Unlock()
			s.handleChange(path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isConfigFile(event.Name) {
				continue
			}
			schedule(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// handleChange reloads after the debounce window closes.
func (s *Store) handleChange(path string) {
	base := filepath.Base(path)
	s.logger.Debug().Str("file", base).Msg("config file changed")

	if base == PersonaConfigFile {
		_ = s.reloadPersonas()
		return
	}
	_ = s.Reload()
}

// isConfigFile filters watcher events down to visible YAML files.
func isConfigFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}
