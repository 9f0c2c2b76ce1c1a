package venv

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/fx"
)

// attachWatcher starts a filesystem watcher that invalidates the resolver's
// directory cache when a virtual environment appears after the fact. Cached
// per-document associations stay sticky; only directory lookups for
// subsequently opened documents observe the new environment.
func attachWatcher(lc fx.Lifecycle, r *resolver) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go watchLoop(w, r)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return w.Close()
		},
	})

	r.watcher = w
	return nil
}

func watchLoop(w *fsnotify.Watcher, r *resolver) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			base := filepath.Base(event.Name)
			if base != DirName && base != MarkerName {
				continue
			}
			r.logger.Infow("virtual environment change observed, dropping resolver cache", "path", event.Name)
			if base == DirName {
				// Watch the new .venv so the marker's creation is seen too.
				if err := w.Add(event.Name); err != nil {
					r.logger.Debugw("cannot watch new venv directory", "path", event.Name, "error", err)
				}
			}
			r.InvalidateCache()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warnw("venv watcher error", "error", err)
		}
	}
}

// watchMisses registers the directories of a failed walk with the watcher so
// that a .venv created there later invalidates the cache.
func (r *resolver) watchMisses(dirs []string) {
	if r.watcher == nil {
		return
	}
	for _, dir := range dirs {
		if err := r.watcher.Add(dir); err != nil {
			r.logger.Debugw("cannot watch directory for venv creation", "dir", dir, "error", err)
		}
	}
}
