package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch calls fn with the new config each time the file at path is written
// and still validates. Editors often write in bursts, so events are debounced.
// Watch returns when ctx is done.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors that save by rename drop a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		const debounce = 100 * time.Millisecond
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload failed for %s: %v", path, err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", err)
			}
		}
	}()
	return nil
}
