package schema

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/strata/pkg/core"
)

// Watcher reloads a Registry when its descriptor file is edited from outside
// the process.
type Watcher struct {
	*worker.BaseWorker
	registry *Registry
	onReload func([]core.Column)
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
}

// NewWatcher creates a stopped watcher. onReload may be nil.
func (r *Registry) NewWatcher(onReload func([]core.Column)) *Watcher {
	return &Watcher{
		BaseWorker: worker.NewBaseWorker("schema-watcher"),
		registry:   r,
		onReload:   onReload,
	}
}

// Watch starts a watcher bound to ctx.
func (r *Registry) Watch(ctx context.Context, onReload func([]core.Column)) (*Watcher, error) {
	w := r.NewWatcher(onReload)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if w.registry.path == "" {
		return fmt.Errorf("schema registry has no descriptor file to watch")
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("schema watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: atomic saves replace the file by rename.
	if err := watcher.Add(filepath.Dir(w.registry.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.registry.path, err)
	}
	w.watcher = watcher

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *Watcher) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
			"path":              w.registry.path,
		}
	})
}

func (w *Watcher) run(ctx context.Context) error {
	defer w.watcher.Close()
	name := filepath.Clean(w.registry.path)
	logger := w.registry.logger

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.registry.Load(); err != nil {
				// Half-written edits are common; the next event retries.
				logger.Warn("schema reload failed", "path", name, "error", err)
				continue
			}
			logger.Debug("schema reloaded", "path", name)
			if w.onReload != nil {
				w.onReload(w.registry.ToJSON())
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}
