// Package watch reports batches of changed project files so the audit can
// re-scan only what changed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/ignore"
)

// DefaultDebounce groups bursts of editor writes into one batch.
const DefaultDebounce = 500 * time.Millisecond

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Watcher watches a project tree and emits debounced batches of changed
// paths, relative to the root.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	ignore   *ignore.Matcher
	debounce time.Duration
	logger   *zap.Logger

	batches chan []string
	stop    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a batch is emitted.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithIgnore skips paths the matcher ignores.
func WithIgnore(m *ignore.Matcher) Option {
	return func(w *Watcher) { w.ignore = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher for root. Call Start to begin watching.
func New(root string, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	w := &Watcher{
		root:     root,
		watcher:  fw,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		batches:  make(chan []string, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.ignore == nil {
		// .git is always excluded
		w.ignore, _ = ignore.NewMatcher()
	}
	return w, nil
}

// Start adds every directory under root and processes events in the
// background until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

// Batches returns the channel of changed path batches.
func (w *Watcher) Batches() <-chan []string {
	return w.batches
}

// Stop stops the watcher and releases its resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Run starts the watcher and calls handle for every batch until ctx is
// done. A handler error is logged and watching continues.
func (w *Watcher) Run(ctx context.Context, handle func(context.Context, []string) error) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-w.batches:
			if !ok {
				return nil
			}
			if err := handle(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Warn("watch handler failed", zap.Strings("paths", batch), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(path); ok && rel != "." && w.ignore.MatchDir(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.batches)

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if rel, ok := w.accept(event); ok {
				pending[rel] = true
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for p := range pending {
				batch = append(batch, p)
			}
			slices.Sort(batch)
			clear(pending)

			select {
			case w.batches <- batch:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// accept filters an event down to a project file path. New directories are
// added to the watch and reported through the files they contain.
func (w *Watcher) accept(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return "", false
	}
	rel, ok := w.rel(event.Name)
	if !ok || rel == "." {
		return "", false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.ignore.MatchDir(rel) {
				return "", false
			}
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", rel), zap.Error(err))
			}
			return "", false
		}
	}
	if w.ignore.Match(rel) {
		return "", false
	}
	return rel, true
}
