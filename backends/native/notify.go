package native

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-billy/v5"
)

var errNotHostFS = errors.New("not a host file system")

// osWatcher forwards OS change notifications for every directory below the
// root to onActivity. The poll does the actual diffing.
type osWatcher struct {
	watcher    *fsnotify.Watcher
	onActivity func()
	done       chan struct{}
	closeOnce  sync.Once
}

func newOSWatcher(bfs billy.Filesystem, onActivity func()) (*osWatcher, error) {
	root := bfs.Root()
	if root == "" || root == string(filepath.Separator) {
		return nil, errNotHostFS
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, errNotHostFS
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &osWatcher{watcher: fw, onActivity: onActivity, done: make(chan struct{})}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// addTree watches dir and all directories below it.
func (w *osWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			// vanished or unreadable, the poll will sort it out
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(p)
	})
}

func (w *osWatcher) run() {
	logger := util.GetLogger("Native.Watcher")
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						logger.Debug().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			w.onActivity()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("Watcher error")
			w.onActivity()
		case <-w.done:
			return
		}
	}
}

func (w *osWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
