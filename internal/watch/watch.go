// Package watch drives rebuild-on-change during capture sessions: new raw
// joint-position files landing in a watched directory trigger a debounced
// rerun of the requested targets.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/rule"
)

// DefaultDebounce batches the burst of filesystem events a single capture
// write produces into one rebuild.
const DefaultDebounce = 500 * time.Millisecond

// Dirs returns the existing directories a rule set reads from: the
// directories of pattern match templates and of explicit file inputs,
// resolved against root, deduplicated and sorted.
func Dirs(rules []rule.Rule, root string) []string {
	seen := make(map[string]struct{})
	add := func(p string) {
		if p == "" {
			return
		}
		dir := filepath.Dir(p)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return
		}
		seen[dir] = struct{}{}
	}

	for i := range rules {
		r := &rules[i]
		if r.IsPattern() {
			add(r.Pattern.Match)
		}
		for _, in := range r.Inputs {
			if _, isRef := rule.GroupRef(in); isRef {
				continue
			}
			add(in)
		}
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Watcher emits a signal on Changes after filesystem activity in the watched
// directories has been quiet for the debounce window.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
	changes  chan struct{}
}

// New watches the given directories. At least one directory is required.
func New(dirs []string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("nothing to watch: no input directories")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, d := range dirs {
		if err := fsw.Add(d); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %q: %w", d, err)
		}
		logger.Debug("watching directory", zap.String("dir", d))
	}

	return &Watcher{
		fsw:      fsw,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan struct{}, 1),
	}, nil
}

// Changes delivers at most one pending signal; coalescing is the point.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Run pumps filesystem events into debounced change signals until the context
// is cancelled or the underlying watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watcher event stream closed")
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("filesystem event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error stream closed")
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Watcher) Close() error { return w.fsw.Close() }

// relevant filters out chmod-only noise; creates, writes, renames and removes
// all change what a rebuild would see.
func relevant(ev fsnotify.Event) bool {
	return ev.Op.Has(fsnotify.Create) ||
		ev.Op.Has(fsnotify.Write) ||
		ev.Op.Has(fsnotify.Rename) ||
		ev.Op.Has(fsnotify.Remove)
}
