package syncer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher turns bursts of filesystem events under root into single,
// debounced triggers.
type watcher struct {
	fs       *fsnotify.Watcher
	root     string
	debounce time.Duration
	ignore   func(rel string) bool
	log      *zap.Logger
	out      chan struct{}
}

func newWatcher(root string, debounce time.Duration, ignore func(string) bool, log *zap.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:       fw,
		root:     root,
		debounce: debounce,
		ignore:   ignore,
		log:      log,
		out:      make(chan struct{}, 1),
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// C delivers one value per debounced burst of changes.
func (w *watcher) C() <-chan struct{} {
	return w.out
}

func (w *watcher) Close() error {
	return w.fs.Close()
}

// addTree watches dir and every non-excluded directory below it. fsnotify
// is not recursive.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel := w.rel(path); rel != "" && w.ignore(rel) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

func (w *watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (w *watcher) run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			rel := w.rel(ev.Name)
			if rel == "" || w.ignore(rel) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.log.Warn("cannot watch new directory", zap.String("path", rel), zap.Error(err))
					}
				}
			}
			w.log.Debug("local change", zap.String("path", rel), zap.Stringer("op", ev.Op))

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			select {
			case w.out <- struct{}{}:
			default:
			}
		}
	}
}
