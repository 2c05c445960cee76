package agents

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/logger"
)

// reloadDebounce coalesces bursts of file events (editors write config and
// prompt back-to-back) into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the registry whenever the agents directory changes. It
// blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create agents watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(r.root); err != nil {
		return errors.Wrapf(err, "failed to watch %s", r.root)
	}
	// Agent directories are one level deep; watch each existing one so
	// edits to prompt.md are seen. New directories are picked up when the
	// create event on the root triggers a reload.
	for _, def := range r.List() {
		if def.Dir != "" {
			if err := watcher.Add(def.Dir); err != nil {
				logger.G(ctx).WithField("dir", def.Dir).WithError(err).Warn("failed to watch agent directory")
			}
		}
	}

	log := logger.G(ctx)
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("agents watcher error")
		case <-reload:
			if err := r.Reload(ctx); err != nil {
				log.WithError(err).Warn("agent registry reload failed")
				continue
			}
			for _, def := range r.List() {
				if def.Dir != "" {
					// Add is idempotent for already-watched paths.
					if err := watcher.Add(def.Dir); err != nil {
						log.WithField("dir", def.Dir).WithError(err).Warn("failed to watch agent directory")
					}
				}
			}
			log.Debug("agent registry reloaded")
		}
	}
}
