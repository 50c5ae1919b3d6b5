package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

// APIWatcher monitors the configured API source (file or folder) and invokes
// the callback whenever definitions change. Stop releases the watcher.
type APIWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *APIWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchAPIs loads the API bundle, hands it to onChange, then reloads it on every
// relevant filesystem change. cfg should come from Loader.Load so InlineAPIs is
// populated. A failed reload keeps the previous bundle and is reported through
// onError.
func (l *Loader) WatchAPIs(ctx context.Context, cfg Config, onChange func(APIBundle), onError func(error)) (*APIWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch apis requires a change callback")
	}
	src := cfg.Server.APIs
	if src.APIsFile == "" && src.APIsFolder == "" {
		return nil, errors.New("config: no apis source configured for watching")
	}
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch apis: %w", err)
	}

	inline := cloneAPIMap(cfg.InlineAPIs)
	bundle, err := buildAPIBundle(watchCtx, inline, src)
	if err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			report(fmt.Errorf("config: watch apis close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	tracker := &dirTracker{fsw: fsw, dirs: map[string]struct{}{}, report: report}
	targetFile := ""
	if src.APIsFile != "" {
		targetFile = absClean(src.APIsFile, report)
		tracker.add(filepath.Dir(targetFile))
	} else {
		tracker.addTree(absClean(src.APIsFolder, report))
	}

	w := &APIWatcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		defer func() {
			if err := fsw.Close(); err != nil {
				report(fmt.Errorf("config: watch apis close: %w", err))
			}
		}()

		reload := func() {
			bundle, err := buildAPIBundle(watchCtx, inline, src)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					report(err)
				}
				return
			}
			onChange(bundle)
		}

		timer := time.NewTimer(reloadDebounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		pending := false

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-timer.C:
				pending = false
				reload()
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !relevant(event, targetFile, tracker, report) {
					continue
				}
				if pending && !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
				pending = true
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()
	return w, nil
}

const changeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// relevant decides whether event should trigger a reload. New directories in a
// watched folder are added to the watch set.
func relevant(event fsnotify.Event, targetFile string, tracker *dirTracker, report func(error)) bool {
	name := filepath.Clean(event.Name)
	if targetFile != "" {
		if name != targetFile {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			report(fmt.Errorf("config: apis file %s removed", targetFile))
		}
		return event.Op&changeOps != 0
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			tracker.addTree(name)
			return true
		}
	}
	return isSupportedConfigFile(name) && event.Op&changeOps != 0
}

type dirTracker struct {
	fsw    *fsnotify.Watcher
	dirs   map[string]struct{}
	report func(error)
}

func (t *dirTracker) add(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := t.dirs[dir]; ok {
		return
	}
	if err := t.fsw.Add(dir); err != nil {
		t.report(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	t.dirs[dir] = struct{}{}
}

func (t *dirTracker) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			t.report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			t.add(path)
		}
		return nil
	})
	if err != nil {
		t.report(fmt.Errorf("config: traverse watcher %s: %w", root, err))
	}
}

func absClean(path string, report func(error)) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		report(fmt.Errorf("config: resolve %s: %w", path, err))
		abs = path
	}
	return filepath.Clean(abs)
}
