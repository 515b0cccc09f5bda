package watcher

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/conneroisu/attitude/internal/bundler"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 100 * time.Millisecond

type recorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *recorder) record(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) all() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.batches)
}

type watchCall struct {
	changes, dirs, removals, added []string
	mtimes                         map[string]time.Time
}

type watchRecorder struct {
	mu    sync.Mutex
	calls []watchCall
}

func (w *watchRecorder) callback(err error, changes, dirs, removals []string, mtimes map[string]time.Time, added []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, watchCall{changes: changes, dirs: dirs, removals: removals, added: added, mtimes: mtimes})
}

func (w *watchRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func (w *watchRecorder) last() watchCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[len(w.calls)-1]
}

func newTestAggregator(t *testing.T) (*Aggregator, *clockwork.FakeClock, *recorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	agg := NewAggregator(testTimeout, clock, nil)
	rec := &recorder{}
	agg.Subscribe(rec.record)
	t.Cleanup(agg.Close)
	return agg, clock, rec
}

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventAdd, "add"},
		{EventAddDir, "addDir"},
		{EventChange, "change"},
		{EventUnlink, "unlink"},
		{EventUnlinkDir, "unlinkDir"},
		{EventDelete, "delete"},
		{EventType(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		events   []Event
		changes  []string
		removals []string
		added    []string
		dirs     []string
		hard     bool
	}{
		{
			name:    "repeated writes collapse",
			events:  []Event{{Type: EventChange, Path: "/a"}, {Type: EventChange, Path: "/a"}, {Type: EventChange, Path: "/b"}},
			changes: []string{"/a", "/b"},
		},
		{
			name:     "unlink then add is removed and added",
			events:   []Event{{Type: EventUnlink, Path: "/site/blog"}, {Type: EventAdd, Path: "/site/blog"}},
			removals: []string{"/site/blog"},
			added:    []string{"/site/blog"},
			hard:     true,
		},
		{
			name:    "new file is hard",
			events:  []Event{{Type: EventAdd, Path: "/a"}, {Type: EventChange, Path: "/a"}},
			changes: []string{"/a"},
			added:   []string{"/a"},
			hard:    true,
		},
		{
			name:     "any removal removes",
			events:   []Event{{Type: EventChange, Path: "/a"}, {Type: EventUnlink, Path: "/a"}},
			removals: []string{"/a"},
			hard:     true,
		},
		{
			name:    "directories",
			events:  []Event{{Type: EventAddDir, Path: "/d"}, {Type: EventAdd, Path: "/d/x"}},
			changes: []string{"/d", "/d/x"},
			added:   []string{"/d", "/d/x"},
			dirs:    []string{"/d"},
			hard:    true,
		},
		{
			name:     "explicit delete",
			events:   []Event{{Type: EventDelete, Path: "/a"}, {Type: EventUnlinkDir, Path: "/d"}},
			removals: []string{"/a", "/d"},
			hard:     true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := classify(tc.events)
			assert.Equal(t, tc.changes, b.Changes)
			assert.Equal(t, tc.removals, b.Removals)
			assert.Equal(t, tc.added, b.Added)
			assert.Equal(t, tc.dirs, b.Dirs)
			assert.Equal(t, tc.hard, b.Hard)
		})
	}
}

func TestAggregatorDebounces(t *testing.T) {
	agg, clock, rec := newTestAggregator(t)

	for i := 0; i < 5; i++ {
		agg.Push(Event{Type: EventChange, Path: "/site/index.html"})
		clock.Advance(testTimeout / 2)
	}
	assert.Empty(t, rec.all(), "the timer restarts on every event")
	assert.Equal(t, 5, agg.Pending())

	clock.Advance(testTimeout)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	b := rec.all()[0]
	assert.Equal(t, uint64(1), b.Tick)
	assert.Equal(t, []string{"/site/index.html"}, b.Changes)
	assert.False(t, b.Hard)
	assert.Zero(t, agg.Pending())
}

func TestAggregatorSeparateTicks(t *testing.T) {
	agg, clock, rec := newTestAggregator(t)

	agg.Push(Event{Type: EventChange, Path: "/a"})
	clock.Advance(testTimeout)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	agg.Push(Event{Type: EventAdd, Path: "/b"})
	clock.Advance(testTimeout)
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)

	batches := rec.all()
	assert.Equal(t, []string{"/a"}, batches[0].Changes)
	assert.Equal(t, []string{"/b"}, batches[1].Added)
	assert.True(t, batches[1].Hard)
	assert.Equal(t, uint64(2), agg.Ticks())
}

func TestAggregatorUnlinkThenAddIsHard(t *testing.T) {
	agg, _, rec := newTestAggregator(t)

	agg.Push(Event{Type: EventUnlink, Path: "/site/blog"})
	agg.Push(Event{Type: EventAdd, Path: "/site/blog"})
	agg.Flush()

	require.Len(t, rec.all(), 1)
	b := rec.all()[0]
	assert.Equal(t, []string{"/site/blog"}, b.Removals)
	assert.Equal(t, []string{"/site/blog"}, b.Added)
	assert.Empty(t, b.Changes)
	assert.True(t, b.Hard)
}

func TestWatchIsOneShot(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	w := &watchRecorder{}
	agg.Watch([]string{file}, nil, nil, time.Time{}, bundler.WatchOptions{}, w.callback, nil)
	assert.Equal(t, 1, agg.Watchers())

	agg.Push(Event{Type: EventChange, Path: file})
	agg.Push(Event{Type: EventChange, Path: filepath.Join(dir, "other.css")})
	agg.Flush()

	require.Equal(t, 1, w.count())
	call := w.last()
	assert.Equal(t, []string{file}, call.changes)
	assert.False(t, call.mtimes[file].IsZero(), "mtime is filled from disk")
	assert.Zero(t, agg.Watchers())

	agg.Push(Event{Type: EventChange, Path: file})
	agg.Flush()
	assert.Equal(t, 1, w.count(), "a fired watcher is cleared")
}

func TestWatchDirectoriesAndMissing(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	dir := t.TempDir()
	missing := filepath.Join(dir, "late.css")

	dirWatch := &watchRecorder{}
	missWatch := &watchRecorder{}
	agg.Watch(nil, []string{dir}, nil, time.Time{}, bundler.WatchOptions{
		Ignored: []*regexp.Regexp{regexp.MustCompile(`\.tmp$`)},
	}, dirWatch.callback, nil)
	agg.Watch(nil, nil, []string{missing}, time.Time{}, bundler.WatchOptions{}, missWatch.callback, nil)

	agg.Push(Event{Type: EventChange, Path: filepath.Join(dir, "scratch.tmp")})
	agg.Flush()
	assert.Zero(t, dirWatch.count(), "ignored paths do not notify")

	agg.Push(Event{Type: EventAdd, Path: missing})
	agg.Push(Event{Type: EventUnlink, Path: filepath.Join(dir, "gone.js")})
	agg.Flush()

	require.Equal(t, 1, dirWatch.count())
	assert.Equal(t, []string{missing}, dirWatch.last().added)
	assert.Equal(t, []string{filepath.Join(dir, "gone.js")}, dirWatch.last().removals)

	require.Equal(t, 1, missWatch.count())
	assert.Equal(t, []string{missing}, missWatch.last().changes)
}

func TestWatchReportsMissedChanges(t *testing.T) {
	agg, _, rec := newTestAggregator(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	w := &watchRecorder{}
	agg.Watch([]string{file}, nil, nil, time.Now().Add(-time.Hour), bundler.WatchOptions{}, w.callback, nil)
	assert.Equal(t, 1, agg.Pending(), "a file newer than the start time is re-enqueued")

	agg.Flush()
	require.Equal(t, 1, w.count())
	assert.Equal(t, []string{file}, rec.all()[0].Changes)

	agg.Watch([]string{file}, nil, nil, time.Now().Add(time.Hour), bundler.WatchOptions{}, w.callback, nil)
	assert.Zero(t, agg.Pending())
}

func TestWatchPauseAndClose(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	w := &watchRecorder{}
	handle := agg.Watch([]string{"/a"}, nil, nil, time.Time{}, bundler.WatchOptions{}, w.callback, nil)

	handle.Pause()
	agg.Push(Event{Type: EventChange, Path: "/a"})
	agg.Flush()
	assert.Zero(t, w.count())
	assert.Equal(t, 1, agg.Watchers(), "a paused watcher stays registered")

	handle.Resume()
	agg.Push(Event{Type: EventChange, Path: "/a"})
	agg.Flush()
	assert.Equal(t, 1, w.count())

	handle = agg.Watch([]string{"/a"}, nil, nil, time.Time{}, bundler.WatchOptions{}, w.callback, nil)
	handle.Close()
	handle.Close()
	agg.Push(Event{Type: EventChange, Path: "/a"})
	agg.Flush()
	assert.Equal(t, 1, w.count())
}

func TestUndelayedCallback(t *testing.T) {
	agg, _, rec := newTestAggregator(t)

	var (
		mu   sync.Mutex
		seen []string
	)
	agg.Watch(nil, []string{"/site"}, nil, time.Time{}, bundler.WatchOptions{}, nil, func(path string, _ time.Time) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, path)
	})

	agg.Push(Event{Type: EventChange, Path: "/site/a.css"})
	agg.Push(Event{Type: EventChange, Path: "/elsewhere/b.css"})

	mu.Lock()
	assert.Equal(t, []string{"/site/a.css"}, seen, "undelayed callbacks fire before the tick")
	mu.Unlock()
	assert.Empty(t, rec.all())
}

func TestPurgersAndPurge(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	var purged []string
	agg.AddPurger(func(paths []string) { purged = append(purged, paths...) })

	agg.Watch([]string{"/a"}, nil, nil, time.Time{}, bundler.WatchOptions{}, nil, nil)
	agg.Push(Event{Type: EventChange, Path: "/a"})
	agg.Push(Event{Type: EventUnlink, Path: "/b"})
	agg.Flush()
	assert.Equal(t, []string{"/a", "/b"}, purged)

	agg.Watch([]string{"/a"}, nil, nil, time.Time{}, bundler.WatchOptions{}, nil, nil)
	agg.Push(Event{Type: EventChange, Path: "/a"})
	agg.Purge()
	assert.Zero(t, agg.Watchers())
	assert.Equal(t, 1, agg.Pending(), "queued events survive a purge")
}

func TestClosedAggregatorDropsEvents(t *testing.T) {
	agg, _, rec := newTestAggregator(t)
	agg.Close()
	agg.Push(Event{Type: EventChange, Path: "/a"})
	agg.Flush()
	assert.Empty(t, rec.all())
}

func TestFilters(t *testing.T) {
	noWatch := NoWatchFilter([]*regexp.Regexp{regexp.MustCompile(`^draft`)})

	testCases := []struct {
		path    string
		filter  FileFilter
		allowed bool
	}{
		{"/site/.git/HEAD", NoGitFilter, false},
		{"/site/.git", NoGitFilter, false},
		{"/site/index.html", NoGitFilter, true},
		{"/site/drafts", noWatch, false},
		{"/site/posts", noWatch, true},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.filter(tc.path))
		})
	}
}

func TestFSWatcherFeedsAggregator(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "blog"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0o644))

	agg := NewAggregator(20*time.Millisecond, nil, nil)
	defer agg.Close()
	rec := &recorder{}
	agg.Subscribe(rec.record)

	fw, err := NewFSWatcher(agg, FSOptions{Filters: []FileFilter{NoGitFilter}})
	require.NoError(t, err)
	defer fw.Close()
	require.NoError(t, fw.AddRecursive(dir))
	assert.Equal(t, 2, fw.Dirs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("changed"), 0o644))
	require.Eventually(t, func() bool {
		for _, b := range rec.all() {
			if slices.Contains(b.Changes, filepath.Join(dir, "index.html")) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	newDir := filepath.Join(dir, "about")
	require.NoError(t, os.Mkdir(newDir, 0o755))
	require.Eventually(t, func() bool { return fw.Dirs() == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "blog")))
	require.Eventually(t, func() bool {
		for _, b := range rec.all() {
			if b.Hard && slices.Contains(b.Removals, filepath.Join(dir, "blog")) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fw.Close())
	require.NoError(t, fw.Close())
}

func TestFSWatcherSkipsIgnoredDirectories(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"node_modules/pkg/lib", "_drafts", "blog"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.FromSlash(d)), 0o755))
	}
	partial := filepath.Join(dir, "_partial.html")
	require.NoError(t, os.WriteFile(partial, []byte("x"), 0o644))

	agg := NewAggregator(20*time.Millisecond, nil, nil)
	defer agg.Close()
	rec := &recorder{}
	agg.Subscribe(rec.record)

	ignore := []*regexp.Regexp{regexp.MustCompile(`^_`), regexp.MustCompile(`^node_modules$`)}
	fw, err := NewFSWatcher(agg, FSOptions{
		Filters:    []FileFilter{NoGitFilter},
		DirFilters: []FileFilter{NoWatchFilter(ignore)},
	})
	require.NoError(t, err)
	defer fw.Close()
	require.NoError(t, fw.AddRecursive(dir))
	assert.Equal(t, 2, fw.Dirs(), "only the root and blog are watched")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)

	reported := func(path string, times int) func() bool {
		return func() bool {
			n := 0
			for _, b := range rec.all() {
				if slices.Contains(b.Changes, path) {
					n++
				}
			}
			return n >= times
		}
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "_drafts", "wip.html"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "lib", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "_new"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_new", "a.html"), []byte("x"), 0o644))
	// Ignore patterns apply to directories, so a file with a matching name is
	// still reported.
	require.NoError(t, os.WriteFile(partial, []byte("changed"), 0o644))
	require.Eventually(t, reported(partial, 1), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "_drafts")))
	require.NoError(t, os.WriteFile(partial, []byte("changed again"), 0o644))
	require.Eventually(t, reported(partial, 2), 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, fw.Dirs())
	for _, b := range rec.all() {
		assert.False(t, b.Hard, "ignored directories never produce a hard batch")
		for _, p := range b.Paths() {
			assert.Equal(t, partial, p)
		}
	}
}

func TestFSWatcherErrorsKeepLoopRunning(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	agg := NewAggregator(20*time.Millisecond, nil, nil)
	defer agg.Close()
	rec := &recorder{}
	agg.Subscribe(rec.record)

	var (
		mu   sync.Mutex
		errs []error
	)
	fw, err := NewFSWatcher(agg, FSOptions{OnError: func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}})
	require.NoError(t, err)
	defer fw.Close()
	require.NoError(t, fw.AddRecursive(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)

	fw.watcher.Errors <- fsnotify.ErrEventOverflow
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ErrorIs(t, errs[0], fsnotify.ErrEventOverflow)
	mu.Unlock()

	w := &watchRecorder{}
	agg.Watch([]string{file}, nil, nil, time.Time{}, bundler.WatchOptions{}, w.callback, nil)
	require.NoError(t, os.WriteFile(file, []byte("changed"), 0o644))
	require.Eventually(t, func() bool { return w.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{file}, w.last().changes)
	assert.NotEmpty(t, rec.all())
}
