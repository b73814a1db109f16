package knowledge

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fabfab/policybot/ingestion"
)

// Watcher reports changes to supported files in a directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// Watch starts monitoring dir and calls onChange for every create, write,
// remove or rename of a supported file. Monitoring ends when ctx is
// cancelled or Stop is called.
func Watch(ctx context.Context, dir string, onChange func(path string), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.loop(ctx, onChange)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context, onChange func(string)) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ingestion.Supported(event.Name) {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("data file changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			onChange(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Stop closes the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

// Watch invalidates the base whenever a file in its data directory changes.
func (b *Base) Watch(ctx context.Context) (*Watcher, error) {
	if b.source.Dir == "" {
		return nil, fmt.Errorf("no data directory configured")
	}
	return Watch(ctx, b.source.Dir, func(string) { b.Invalidate() }, b.logger)
}
