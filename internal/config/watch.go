package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "periodic/internal/log"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls fn with the reparsed config whenever the file at path
// changes. Bursts of events are debounced and content that did not change
// is not republished. Files that fail to parse are logged and skipped.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Watch the directory: editors replace files by rename.
	if err := w.Add(dir); err != nil {
		return err
	}

	lastHash := fileHash(path)
	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	appLog.Debug("config watcher started", "dir", dir, "file", file)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			h := fileHash(path)
			if h == 0 || h == lastHash {
				continue
			}
			cfg, err := Parse(path)
			if err != nil {
				appLog.Error("config reload failed", err, "path", path)
				continue
			}
			lastHash = h
			appLog.Info("config reloaded", "path", path, "periodicities", len(cfg.Periodicities), "feeds", len(cfg.Feeds))
			fn(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Error("config watch error", err, "dir", dir)
		}
	}
}

// fileHash returns 0 when the file cannot be read.
func fileHash(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
