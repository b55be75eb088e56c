// Package dbwatch nudges the pipeline when chat.db changes on disk so a new
// message is picked up ahead of the next scheduled poll. The fixed polling
// cadence stays in place; the watcher only shortens the latency.
package dbwatch

import (
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Watch watches the database file (and its WAL sibling, where the Messages
// daemon actually lands writes) and invokes wake after a debounced change.
// The returned stop function closes the watcher.
func Watch(dbPath string, wake func()) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	added := false
	for _, p := range []string{dbPath, dbPath + "-wal"} {
		if _, statErr := os.Stat(p); statErr != nil {
			continue
		}
		if addErr := w.Add(p); addErr != nil {
			slog.Error("dbwatch: add", "path", p, "err", addErr)
			continue
		}
		added = true
	}
	if !added {
		_ = w.Close()
		return nil, os.ErrNotExist
	}

	go func() {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("dbwatch: re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(debounceDelay)
				}
			case <-debounce.C:
				wake()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("dbwatch: watch error", "err", err)
			}
		}
	}()

	return func() { _ = w.Close() }, nil
}
