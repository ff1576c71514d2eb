package router

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchTable reloads the assignment table whenever its file changes, until
// ctx is cancelled. Reloads swap the table atomically, so sessions already
// holding assignments are not affected. Editors often replace the file
// rather than writing in place, so the parent directory is watched and
// events are debounced.
func WatchTable(ctx context.Context, table *Table, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			if err := table.Reload(path); err != nil {
				log.Printf("router: model table reload failed, keeping previous table: %v", err)
				return
			}
			log.Printf("router: model table reloaded from %s", path)
		}

		for {
			select {
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
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("router: model table watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
