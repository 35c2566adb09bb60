package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 100 * time.Millisecond

var ErrAlreadyWatching = errors.New("watcher already started")

// DefaultIgnore holds the patterns skipped unless overridden with WithIgnore.
var DefaultIgnore = []string{"vendor", "node_modules", "__pycache__", "*~", "*.swp"}

// Watcher turns filesystem notifications under a set of roots into debounced ChangeEvents.
type Watcher struct {
	log      *zap.SugaredLogger
	roots    []string
	ignore   []string
	debounce time.Duration

	startOnce sync.Once
}

type Option func(w *Watcher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(w *Watcher) {
		w.log = l.Named("watcher")
	}
}

// WithIgnore replaces the ignore patterns. Patterns are matched with filepath.Match
// against both the base name and the path relative to its root.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) {
		w.ignore = patterns
	}
}

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

func New(roots []string, opts ...Option) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, errors.New("no paths to watch")
	}
	w := &Watcher{
		log:      zap.NewNop().Sugar(),
		ignore:   DefaultIgnore,
		debounce: DefaultDebounce,
	}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", root, err)
		}
		w.roots = append(w.roots, abs)
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Watch starts watching and returns the stream of change events.
// The stream is closed once ctx is done. A Watcher can only be started once.
func (w *Watcher) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	alreadyStarted := true
	w.startOnce.Do(func() { alreadyStarted = false })
	if alreadyStarted {
		return nil, ErrAlreadyWatching
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	for _, root := range w.roots {
		if err := w.addRecursive(fsw, root); err != nil {
			fsw.Close()
			return nil, err
		}
		w.log.Debugw("watching", "Root", root)
	}

	events := make(chan ChangeEvent)
	go w.loop(ctx, fsw, events)
	return events, nil
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, path string) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			// the directory may have vanished between the notification and the walk
			if errors.Is(err, fs.ErrNotExist) && walkPath != path {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(walkPath) {
			return filepath.SkipDir
		}
		if err := fsw.Add(walkPath); err != nil {
			return fmt.Errorf("watching %s: %w", walkPath, err)
		}
		return nil
	})
}

func (w *Watcher) root(path string) string {
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func (w *Watcher) ignored(path string) bool {
	root := w.root(path)
	if path == root {
		return false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	rel := path
	if root != "" {
		if r, err := filepath.Rel(root, path); err == nil {
			rel = r
		}
	}
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		// a pattern naming a directory also covers everything below it
		for _, elem := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
			if ok, _ := filepath.Match(pattern, elem); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, events chan<- ChangeEvent) {
	defer close(events)
	defer fsw.Close()

	var (
		pending  = ChangeEvent{}
		timer    *time.Timer
		debounce <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("stopping watcher")
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.addRecursive(fsw, event.Name); err != nil {
						w.log.Warnw("unable to watch new directory", "Path", event.Name, "Error", err)
					}
				}
			}

			w.log.Debugw("file changed", "Path", event.Name, "Op", event.Op.String())
			pending.Add(event.Name)

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
			debounce = timer.C

		case <-debounce:
			debounce = nil
			select {
			case events <- pending:
			case <-ctx.Done():
				return
			}
			pending = ChangeEvent{}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnw("watcher error", "Error", err)
		}
	}
}
