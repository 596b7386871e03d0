// Package watch delivers batches of file system changes to a handler.
//
// Handlers run one at a time. Changes that arrive while a handler runs are
// collected and delivered as a single follow-up batch.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/vk/devgrid/internal/ctxlog"
)

// DefaultDebounce is how long a batch stays open after its first change.
const DefaultDebounce = 100 * time.Millisecond

var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
}

// ShouldSkipDir reports whether a directory is never watched.
func ShouldSkipDir(name string) bool {
	_, exists := skipDirs[name]
	return exists
}

// Filter selects the paths that count as changes.
type Filter func(path string) bool

// Extensions matches files by extension, with or without the leading dot.
func Extensions(exts ...string) Filter {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set["."+strings.TrimPrefix(strings.ToLower(e), ".")] = struct{}{}
	}
	return func(path string) bool {
		_, ok := set[strings.ToLower(filepath.Ext(path))]
		return ok
	}
}

// Globs matches absolute paths against doublestar patterns.
func Globs(patterns ...string) Filter {
	return func(path string) bool {
		p := filepath.ToSlash(path)
		for _, pattern := range patterns {
			if ok, _ := doublestar.Match(filepath.ToSlash(pattern), p); ok {
				return true
			}
		}
		return false
	}
}

// GlobRoots returns the static directory prefix of each pattern, deduplicated.
func GlobRoots(patterns ...string) []string {
	seen := map[string]struct{}{}
	var roots []string
	for _, pattern := range patterns {
		base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
		root := filepath.FromSlash(base)
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}
	return roots
}

// Handler receives one batch of changed paths, sorted.
type Handler func(ctx context.Context, paths []string)

// Options configures a Watcher.
type Options struct {
	// Name labels log lines.
	Name     string
	Roots    []string
	Filter   Filter
	Debounce time.Duration
}

// Watcher watches directory trees recursively.
type Watcher struct {
	opts Options
	fsw  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	signal  chan struct{}
}

// New creates a watcher. Roots that do not exist are skipped with a warning
// when Run starts.
func New(opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Filter == nil {
		opts.Filter = func(string) bool { return true }
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		opts:    opts,
		fsw:     fsw,
		pending: map[string]struct{}{},
		signal:  make(chan struct{}, 1),
	}, nil
}

// Run watches until ctx is done, calling handle for each batch of changes.
// A Watcher runs once; its resources are released when Run returns.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	logger := ctxlog.FromContext(ctx).With("watcher", w.opts.Name)
	defer w.fsw.Close()

	watched := 0
	for _, root := range w.opts.Roots {
		if _, err := os.Stat(root); err != nil {
			logger.Warn("Watch root is not accessible, skipping.", "root", root, "error", err)
			continue
		}
		if err := w.addTree(root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
		watched++
	}
	logger.Debug("File watcher started.", "roots", w.opts.Roots, "watched", watched)

	go w.collect(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("File watcher stopped.")
			return nil
		case <-w.signal:
		}

		// Let a burst of writes settle into one batch.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.Debounce):
		}

		batch := w.drain()
		if len(batch) == 0 {
			continue
		}
		logger.Debug("Changes detected.", "paths", batch)
		handle(ctx, batch)
	}
}

func (w *Watcher) collect(ctx context.Context) {
	logger := ctxlog.FromContext(ctx).With("watcher", w.opts.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if shouldAddWatchDir(event) {
				if err := w.addTree(event.Name); err != nil {
					logger.Warn("Failed to watch new directory.", "dir", event.Name, "error", err)
				}
				continue
			}
			if !isWatchEvent(event.Op) || !w.opts.Filter(event.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = struct{}{}
			w.mu.Unlock()
			select {
			case w.signal <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("File watcher error.", "error", err)
		}
	}
}

func (w *Watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := make([]string, 0, len(w.pending))
	for p := range w.pending {
		batch = append(batch, p)
	}
	w.pending = map[string]struct{}{}
	sort.Strings(batch)
	return batch
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ShouldSkipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func isWatchEvent(op fsnotify.Op) bool {
	return op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func shouldAddWatchDir(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 {
		return false
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return false
	}
	return info.IsDir() && !ShouldSkipDir(info.Name())
}
