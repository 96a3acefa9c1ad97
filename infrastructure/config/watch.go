package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a backends.yaml file whenever it changes on disk,
// letting an operator add, remove, or reconfigure an ECU backend without
// restarting the process that hosts it.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewWatcher creates a Watcher for the backends config file at path.
func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{path: path, watcher: w}, nil
}

// Watch reloads the config on every write/create event and sends the
// parsed result on the returned channel. Parse errors are sent on the
// error channel without closing the update channel, so a single bad edit
// does not end the watch. Both channels close when ctx is done.
func (w *Watcher) Watch(ctx context.Context) (<-chan *BackendsConfig, <-chan error) {
	updates := make(chan *BackendsConfig, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(updates)
		defer close(errs)
		defer w.watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadBackendsConfigFromPath(w.path)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				select {
				case updates <- cfg:
				default:
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()

	return updates, errs
}

// Close stops the underlying filesystem watch without waiting for an
// in-flight Watch goroutine to observe ctx cancellation.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
