package registers

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a YAML register table when the file changes, so
// reverse-engineering findings take effect without restarting a capture
// session.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// Watch merges path into table now and again on every write to it.
// onReload, if non-nil, is called after each merge attempt with its result.
func Watch(path string, table *Table, onReload func(error)) (*Watcher, error) {
	if err := table.MergeFile(path); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registers: watch table: %w", err)
	}
	// Watch the directory: editors typically replace the file, which would
	// drop a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("registers: watch table: %w", err)
	}

	rw := &Watcher{w: w, done: make(chan struct{})}
	go func() {
		defer close(rw.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				err := table.MergeFile(path)
				if onReload != nil {
					onReload(err)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return rw, nil
}

func (rw *Watcher) Close() error {
	err := rw.w.Close()
	<-rw.done
	return err
}
