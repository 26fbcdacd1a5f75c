package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path on write/create events and invokes onReload with
// the freshly parsed Config, debounced exactly like cmd/bd/list.go's
// watchIssues loop: a single 500ms timer coalesces bursts of writes
// (editors often truncate-then-write) into one reload.
func Watch(path string, onReload func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	var debounceTimer *time.Timer
	const debounceDelay = 500 * time.Millisecond

	reload := func() {
		cfg, _, err := Load(path)
		if err != nil {
			log.Printf("config: reload %s: %v", path, err)
			return
		}
		onReload(cfg)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watch error: %v", err)

			case <-done:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
