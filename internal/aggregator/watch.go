package aggregator

import (
	"log"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// hostsFile is the shape of the on-disk aggregator hostname list, kept as
// its own small TOML document so it can be edited independently of the
// main config file.
type hostsFile struct {
	Hosts []string `toml:"hosts"`
}

// WatchFile reloads the hub hostname list from path whenever the file
// changes on disk, debounced the same way cmd/bd/list.go's watchIssues
// debounces its own fsnotify stream. Returns a stop function; the
// returned watcher goroutine exits once stop is called.
func (c *Classifier) WatchFile(path string) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var debounceTimer *time.Timer
		const debounceDelay = 500 * time.Millisecond

		reload := func() {
			var hf hostsFile
			if _, err := toml.DecodeFile(path, &hf); err != nil {
				log.Printf("aggregator: reload %s failed: %v", path, err)
				return
			}
			c.SetHosts(hf.Hosts)
		}

		for {
			select {
			case <-done:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
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
				log.Printf("aggregator: watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
