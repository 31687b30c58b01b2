package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mediarelay/work/logger"
)

// Watch starts an fsnotify watcher on the config file's directory and
// reloads + re-broadcasts the config when the file is written or replaced.
// Watching the directory instead of the file keeps the watch alive across
// atomic rename-based writes. Returns a stop function.
func (s *Service) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})

	go func() {
		// coalesce bursts of events into one reload
		var pending *time.Timer

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, func() {
					if s.selfWrite.Swap(false) {
						logger.Debug("{config - Watch} Ignoring change event for our own write")
						return
					}
					if err := s.Reload(); err != nil {
						logger.Warn("{config - Watch} Reload after file change failed: %v", err)
						return
					}
					logger.Info("{config - Watch} Configuration reloaded from disk")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("{config - Watch} Watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}
