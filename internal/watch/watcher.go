package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 100 * time.Millisecond

var ErrInvalidInput = errors.New("invalid input")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Paths    []string
	Debounce time.Duration
	Logger   Logger
}

// Watcher turns bursts of filesystem changes under a set of paths into single
// change notifications.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   Logger
}

func New(opts Options) (*Watcher, error) {
	if len(opts.Paths) == 0 {
		return nil, ErrInvalidInput
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fs: fsw, debounce: debounce, logger: opts.Logger}
	for _, path := range opts.Paths {
		if err := w.addRecursive(path); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run calls onChange once per debounced burst until ctx is done. Relies on
// go1.23 timer semantics: Reset never delivers a stale tick.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.fs.Close()
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logf("watch %s failed: %v", event.Name, err)
					}
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logf("watcher error: %v", err)
		case <-timer.C:
			onChange()
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		return ErrInvalidInput
	}
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fs.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if (path != root && isHidden(d.Name())) || d.Name() == "node_modules" {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

func relevant(event fsnotify.Event) bool {
	if isHidden(filepath.Base(event.Name)) {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
