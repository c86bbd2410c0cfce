// Package watcher turns raw filesystem notifications into debounced batches
// of dirty paths.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/livesync/livesync/internal/logging"
	"github.com/livesync/livesync/internal/metrics"
	"github.com/livesync/livesync/internal/vfs"
)

// DefaultDebounce is the quiet period used when Options.Debounce is zero.
const DefaultDebounce = 50 * time.Millisecond

// Batch is one debounced set of changes.
type Batch struct {
	Paths  []string // sorted and deduplicated
	Rescan []string // roots whose notifications may have been lost
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return len(b.Paths) == 0 && len(b.Rescan) == 0
}

// Options configures debouncing.
type Options struct {
	// Debounce is how long the watcher waits for notifications to stop
	// before emitting a batch.
	Debounce time.Duration
	// MaxLatency caps how long a notification can be held back by
	// continuous churn. Zero means ten times Debounce.
	MaxLatency time.Duration
}

// Watcher watches a set of roots recursively. fsnotify only watches single
// directories, so every directory below a root gets its own watch and new
// directories are added as they appear. File roots are watched through
// their parent directory.
type Watcher struct {
	roots   []string
	opts    Options
	fsw     *fsnotify.Watcher
	batches chan Batch

	mu      sync.Mutex
	watched map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

func newWatcher(roots []string, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxLatency <= 0 {
		opts.MaxLatency = 10 * opts.Debounce
	}
	sorted := slices.Clone(roots)
	sort.Strings(sorted)
	return &Watcher{
		roots:   sorted,
		opts:    opts,
		batches: make(chan Batch),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// New creates a watcher for roots. Roots must be canonical paths.
func New(roots []string, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := newWatcher(roots, opts)
	w.fsw = fsw
	for _, root := range w.roots {
		if err := w.addRoot(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Batches returns the channel batches are delivered on. It is closed when
// the watcher stops.
func (w *Watcher) Batches() <-chan Batch {
	return w.batches
}

// Roots returns the watched roots.
func (w *Watcher) Roots() []string {
	return slices.Clone(w.roots)
}

// Start runs the watcher in the background until ctx is done or Close is
// called.
func (w *Watcher) Start(ctx context.Context) {
	go w.Run(ctx)
}

// Run delivers batches until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	return w.run(ctx, w.fsw.Events, w.fsw.Errors)
}

// Close stops the watcher and releases its watches.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}

func (w *Watcher) addRoot(root string) error {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		// Watch the parent so the root is noticed when it appears.
		logging.Warn("watch root does not exist yet", zap.String("root", root))
		return w.watchDir(filepath.Dir(root))
	}
	if err != nil {
		return fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return w.watchDir(filepath.Dir(root))
	}
	// The parent reports the root itself being removed and recreated.
	if err := w.watchDir(filepath.Dir(root)); err != nil {
		logging.Warn("cannot watch parent of root", zap.String("root", root), zap.Error(err))
	}
	return w.watchTree(root)
}

// watchTree adds a watch for dir and every directory below it.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watchDir(path)
	})
}

func (w *Watcher) watchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] || w.fsw == nil {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.watched[dir] = true
	return nil
}

func (w *Watcher) unwatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if vfs.Contains(path, dir) {
			delete(w.watched, dir)
		}
	}
}

func (w *Watcher) covered(path string) bool {
	for _, root := range w.roots {
		if vfs.Contains(root, path) {
			return true
		}
	}
	return false
}

// run is the debounce loop. Every notification path joins the pending set
// and restarts the quiet timer; the set is emitted once the timer fires.
func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	defer close(w.batches)

	pending := make(map[string]struct{})
	rescan := make(map[string]struct{})
	var first time.Time

	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	arm := func() {
		now := time.Now()
		if first.IsZero() {
			first = now
		}
		wait := w.opts.Debounce
		if remaining := w.opts.MaxLatency - now.Sub(first); remaining < wait {
			wait = max(remaining, 0)
		}
		quiet.Reset(wait)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			metrics.RecordWatcherEvent()
			if path, keep := w.handle(ev); keep {
				pending[path] = struct{}{}
				arm()
			}

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				metrics.RecordWatcherOverflow()
				logging.Warn("notification queue overflowed, scheduling full rescan",
					zap.Strings("roots", w.roots))
				for _, root := range w.roots {
					rescan[root] = struct{}{}
				}
				arm()
				continue
			}
			logging.Error("watcher error", zap.Error(err))

		case <-quiet.C:
			batch := Batch{Paths: sortedKeys(pending), Rescan: sortedKeys(rescan)}
			clear(pending)
			clear(rescan)
			first = time.Time{}

			metrics.RecordWatcherBatch()
			select {
			case w.batches <- batch:
			case <-ctx.Done():
				return nil
			case <-w.done:
				return nil
			}
		}
	}
}

// handle updates watches for a notification and returns the dirty path.
// The kind of notification is only used to maintain watches; consumers
// re-read the path to learn what happened.
func (w *Watcher) handle(ev fsnotify.Event) (string, bool) {
	path := filepath.Clean(ev.Name)
	if ev.Op == fsnotify.Chmod || !w.covered(path) {
		return "", false
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watchTree(path); err != nil {
				logging.Warn("failed to watch new directory", zap.String("path", path), zap.Error(err))
			}
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.unwatch(path)
	}
	return path, true
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
