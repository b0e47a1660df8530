package crdtsql

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// replicationWatcher watches the database file for writes — typically a
// log-shipping sidecar appending rows to changes on behalf of a remote
// peer — and nudges local subscribers to re-run their own catch-up query.
// Every write or create event on the file triggers a nudge, including
// events caused by this process's own writes to the file. It does not read
// or interpret the file; the transport that produced the write is entirely
// external to this core.
type replicationWatcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	listeners []func()
	done      chan struct{}
}

// WatchReplication starts (once) watching the Engine's database file and
// invokes callback on every write or create event reported for the file,
// whichever process caused it. The
// returned stop function stops the watcher; it is safe to call more than
// once.
func (e *Engine) WatchReplication(callback func()) (stop func() error, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("crdtsql: watch replication: %w", err)
		}
		if err := w.Add(e.path); err != nil {
			w.Close()
			return nil, fmt.Errorf("crdtsql: watch replication: %w", err)
		}

		rw := &replicationWatcher{watcher: w, done: make(chan struct{})}
		e.watcher = rw
		go rw.run()
	}

	e.watcher.mu.Lock()
	e.watcher.listeners = append(e.watcher.listeners, callback)
	e.watcher.mu.Unlock()

	return e.watcher.stop, nil
}

func (rw *replicationWatcher) run() {
	for {
		select {
		case <-rw.done:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				rw.notify()
			}
		case _, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (rw *replicationWatcher) notify() {
	rw.mu.Lock()
	listeners := append([]func(){}, rw.listeners...)
	rw.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (rw *replicationWatcher) stop() error {
	rw.mu.Lock()
	select {
	case <-rw.done:
		rw.mu.Unlock()
		return nil
	default:
		close(rw.done)
	}
	rw.mu.Unlock()
	return rw.watcher.Close()
}
