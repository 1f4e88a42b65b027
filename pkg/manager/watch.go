package manager

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// WatchRequests signals on the returned channel whenever a request
// directory appears in the spool. The watcher stops when ctx is done.
func (m *ReqManager) WatchRequests(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(m.requestsDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", m.requestsDir, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) {
					continue
				}
				m.event(ctx, observability.LevelDebug, "spool_changed", "", map[string]interface{}{"path": event.Name})
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.event(ctx, observability.LevelWarn, "spool_watch_error", "", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return wake, nil
}
