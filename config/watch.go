package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	streamingest "github.com/e7canasta/stream-ingest"
)

const (
	watchDebounce = 500 * time.Millisecond
	watchPoll     = 100 * time.Millisecond
)

// Watch reloads the file on external edits and hands the result to fn.
// The parent directory is watched rather than the file itself so that
// editors and atomic renames do not break the watch. Watch returns
// after the watcher is installed; fn runs on a background goroutine
// until ctx is cancelled.
func (s *FileStore) Watch(ctx context.Context, fn func([]streamingest.SourceConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	go s.watchLoop(ctx, watcher, target, fn)

	slog.Info("config: watching for changes", "file", s.path)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, target string, fn func([]streamingest.SourceConfig)) {
	defer watcher.Close()

	// Debounce rapid write bursts before reloading.
	var pendingSince time.Time
	ticker := time.NewTicker(watchPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pendingSince = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "file", s.path, "error", err)

		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < watchDebounce {
				continue
			}
			pendingSince = time.Time{}

			configs, err := s.LoadSources()
			if err != nil {
				slog.Warn("config: reload failed", "file", s.path, "error", err)
				continue
			}
			slog.Info("config: file changed, reloaded", "file", s.path, "sources", len(configs))
			fn(configs)
		}
	}
}
