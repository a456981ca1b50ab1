package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives the freshly loaded document, or the load error.
type ReloadFunc func(doc *Document, err error)

// Watcher reloads plan documents when their files change.
type Watcher struct {
	loader  *Loader
	logger  zerolog.Logger
	delay   time.Duration
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher with a 300ms debounce.
func NewWatcher(loader *Loader, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		logger: logger.With().Str("component", "plan-watcher").Logger(),
		delay:  300 * time.Millisecond,
	}
}

// SetDebounce changes the debounce delay.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.delay = d
}

// Watch starts watching paths and calls onReload after each debounced
// change. It returns once the watch is established.
func (w *Watcher) Watch(ctx context.Context, paths []string, onReload ReloadFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			if err := fw.Add(path); err != nil {
				_ = fw.Close()
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return fw.Add(p)
			}
			return nil
		})
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw, paths, onReload)

	w.logger.Info().Int("paths", len(paths)).Msg("Watching plan sources")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, paths []string, onReload ReloadFunc) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = fw.Close()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := FormatFromPath(event.Name); err != nil {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Plan file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, func() {
				doc, err := w.loader.Load(paths...)
				if err != nil {
					w.logger.Warn().Err(err).Msg("Plan reload failed")
				} else {
					w.logger.Info().
						Int("concepts", len(doc.Concepts)).
						Int("inferences", len(doc.Inferences)).
						Msg("Plan reloaded")
				}
				onReload(doc, err)
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
