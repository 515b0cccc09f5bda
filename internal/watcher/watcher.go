package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/attitude/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// FileFilter reports whether a path should be watched.
type FileFilter func(path string) bool

// FSWatcher feeds fsnotify events for a directory tree into a sink.
type FSWatcher struct {
	watcher *fsnotify.Watcher
	sink    EventSink
	filters    []FileFilter
	dirFilters []FileFilter
	onError    func(error)
	logger     logging.Logger

	mutex   sync.RWMutex
	dirs    map[string]struct{}
	skipped map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// FSOptions configures an FSWatcher.
type FSOptions struct {
	Filters []FileFilter
	// DirFilters apply to directories only. A rejected directory is neither
	// watched nor reported, and neither is anything below it.
	DirFilters []FileFilter
	// OnError receives watcher errors. They never stop the loop.
	OnError func(error)
	Logger  logging.Logger
}

// NewFSWatcher creates a watcher pushing into sink.
func NewFSWatcher(sink EventSink, opts FSOptions) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FSWatcher{
		watcher:    w,
		sink:       sink,
		filters:    opts.Filters,
		dirFilters: opts.DirFilters,
		onError:    opts.OnError,
		logger:     logger.WithComponent("fswatcher"),
		dirs:       make(map[string]struct{}),
		skipped:    make(map[string]struct{}),
		done:       make(chan struct{}),
	}, nil
}

// AddRecursive adds a directory and all subdirectories to watch
func (fw *FSWatcher) AddRecursive(root string) error {
	_, err := fw.addTree(filepath.Clean(root), false)
	return err
}

// addTree walks root adding every directory. With collect set it returns the
// files found, which were created before the watch existed.
func (fw *FSWatcher) addTree(root string, collect bool) ([]Event, error) {
	var found []Event
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && !fw.accept(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && path != root && !fw.acceptDir(path) {
			fw.skip(path)
			return filepath.SkipDir
		}
		if !d.IsDir() {
			if collect {
				found = append(found, Event{Type: EventAdd, Path: path, ModTime: modTime(path)})
			}
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		fw.mutex.Lock()
		fw.dirs[path] = struct{}{}
		fw.mutex.Unlock()
		if collect && path != root {
			found = append(found, Event{Type: EventAddDir, Path: path, ModTime: modTime(path)})
		}
		return nil
	})
	return found, err
}

// Dirs returns the number of watched directories.
func (fw *FSWatcher) Dirs() int {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()
	return len(fw.dirs)
}

// Start runs the watch loop until ctx is done or Close is called.
func (fw *FSWatcher) Start(ctx context.Context) {
	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		fw.watchLoop(ctx)
	}()
}

// Close stops the loop and releases the fsnotify watcher.
func (fw *FSWatcher) Close() error {
	select {
	case <-fw.done:
		return nil
	default:
		close(fw.done)
	}
	err := fw.watcher.Close()
	fw.wg.Wait()
	return err
}

func (fw *FSWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			for _, ev := range fw.translate(event) {
				fw.sink.Push(ev)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.handleError(ctx, err)
		}
	}
}

// handleError reports a watcher error without stopping the loop.
func (fw *FSWatcher) handleError(ctx context.Context, err error) {
	fw.logger.Warn(ctx, err, "file watcher error")
	if fw.onError != nil {
		fw.onError(err)
	}
}

// translate maps one fsnotify event to raw events. New directories are
// watched immediately and their contents reported as additions.
func (fw *FSWatcher) translate(event fsnotify.Event) []Event {
	path := filepath.Clean(event.Name)
	if !fw.accept(path) {
		return nil
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return []Event{{Type: EventAdd, Path: path, ModTime: info.ModTime()}}
		}
		if !fw.acceptDir(path) {
			fw.skip(path)
			return nil
		}
		events := []Event{{Type: EventAddDir, Path: path, ModTime: info.ModTime()}}
		found, err := fw.addTree(path, true)
		if err != nil {
			fw.logger.Warn(context.Background(), err, "failed to watch new directory", "path", path)
		}
		return append(events, found...)

	case event.Has(fsnotify.Write):
		return []Event{{Type: EventChange, Path: path, ModTime: modTime(path)}}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if fw.unskip(path) {
			return nil
		}
		if fw.forgetDir(path) {
			return []Event{{Type: EventUnlinkDir, Path: path}}
		}
		return []Event{{Type: EventUnlink, Path: path}}
	}
	// Chmod carries no content change.
	return nil
}

// forgetDir drops path and everything below it from the known directories.
func (fw *FSWatcher) forgetDir(path string) bool {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	if _, ok := fw.dirs[path]; !ok {
		return false
	}
	for d := range fw.dirs {
		if within(d, path) {
			delete(fw.dirs, d)
		}
	}
	for d := range fw.skipped {
		if within(d, path) {
			delete(fw.skipped, d)
		}
	}
	return true
}

func (fw *FSWatcher) acceptDir(path string) bool {
	for _, filter := range fw.dirFilters {
		if !filter(path) {
			return false
		}
	}
	return true
}

func (fw *FSWatcher) skip(path string) {
	fw.mutex.Lock()
	fw.skipped[path] = struct{}{}
	fw.mutex.Unlock()
}

// unskip forgets a skipped directory, reporting whether path was one.
func (fw *FSWatcher) unskip(path string) bool {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	if _, ok := fw.skipped[path]; !ok {
		return false
	}
	delete(fw.skipped, path)
	return true
}

func (fw *FSWatcher) accept(path string) bool {
	for _, filter := range fw.filters {
		if !filter(path) {
			return false
		}
	}
	return true
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// NoGitFilter skips version control metadata.
func NoGitFilter(path string) bool {
	return filepath.Base(path) != ".git" && !strings.Contains(filepath.ToSlash(path), "/.git/")
}

// NoWatchFilter skips paths whose base name matches one of patterns.
func NoWatchFilter(patterns []*regexp.Regexp) FileFilter {
	return func(path string) bool {
		base := filepath.Base(path)
		for _, re := range patterns {
			if re.MatchString(base) {
				return false
			}
		}
		return true
	}
}
