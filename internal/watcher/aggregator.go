package watcher

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/conneroisu/attitude/internal/bundler"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/jonboulle/clockwork"
)

// DefaultAggregateTimeout is the debounce window used when none is given.
const DefaultAggregateTimeout = 300 * time.Millisecond

// Subscriber receives every non-empty batch.
type Subscriber func(b Batch)

// PurgeFunc invalidates cached content for paths.
type PurgeFunc func(paths []string)

// fileHandler is the single record kept per watched path.
type fileHandler struct {
	watchers []*registration
	mtime    time.Time
}

type registration struct {
	agg       *Aggregator
	files     []string
	dirs      []string
	missing   []string
	ignored   bundler.WatchOptions
	callback  bundler.WatchCallback
	undelayed bundler.UndelayedCallback
	paused    bool
	closed    bool
}

// Aggregator debounces raw events into ticks. A single timer is reset on
// every event; when it fires, the whole queue is processed as one tick.
// Ticks never overlap.
type Aggregator struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	timeout  time.Duration
	files    map[string]*fileHandler
	watchers []*registration
	fsFifo   []Event
	timer    clockwork.Timer
	closed   bool

	tickMu      sync.Mutex
	ticks       uint64
	subscribers []Subscriber
	purgers     []PurgeFunc

	logger logging.Logger
}

// NewAggregator creates an aggregator. A nil clock uses the real clock.
func NewAggregator(timeout time.Duration, clock clockwork.Clock, logger logging.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultAggregateTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Aggregator{
		clock:   clock,
		timeout: timeout,
		files:   make(map[string]*fileHandler),
		logger:  logger.WithComponent("watcher"),
	}
}

// Subscribe registers fn for every batch. Subscribers run in tick order.
func (a *Aggregator) Subscribe(fn Subscriber) {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// AddPurger registers a cache to invalidate with the touched paths of every
// tick.
func (a *Aggregator) AddPurger(fn PurgeFunc) {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()
	a.purgers = append(a.purgers, fn)
}

// Push enqueues a raw event, fires the undelayed callbacks interested in it
// and restarts the aggregation timer.
func (a *Aggregator) Push(ev Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.fsFifo = append(a.fsFifo, ev)

	var undelayed []bundler.UndelayedCallback
	for _, r := range a.watchers {
		if r.undelayed != nil && !r.paused && r.interested(ev.Path) {
			undelayed = append(undelayed, r.undelayed)
		}
	}

	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.clock.AfterFunc(a.timeout, a.fire)
	a.mu.Unlock()

	for _, fn := range undelayed {
		fn(ev.Path, ev.ModTime)
	}
}

// Pending returns the number of queued events.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fsFifo)
}

// Ticks returns the number of processed ticks.
func (a *Aggregator) Ticks() uint64 {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()
	return a.ticks
}

// Flush processes the queue immediately instead of waiting for the timer.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.fire()
}

// Purge drops every registration and handler record. Queued events are
// kept for the next tick.
func (a *Aggregator) Purge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.watchers {
		r.closed = true
	}
	a.watchers = nil
	a.files = make(map[string]*fileHandler)
}

// Close stops the timer and drops further events.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.fsFifo = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Watch registers a one-shot watcher over files, dirs and missing paths.
// Files modified after startTime, and missing paths that exist by now, are
// reported on the next tick.
func (a *Aggregator) Watch(files, dirs, missing []string, startTime time.Time, opts bundler.WatchOptions, callback bundler.WatchCallback, undelayed bundler.UndelayedCallback) bundler.Watching {
	r := &registration{
		agg:       a,
		files:     slices.Clone(files),
		dirs:      slices.Clone(dirs),
		missing:   slices.Clone(missing),
		ignored:   opts,
		callback:  callback,
		undelayed: undelayed,
	}

	var missed []Event
	a.mu.Lock()
	a.watchers = append(a.watchers, r)
	for _, p := range r.paths() {
		h := a.handler(p)
		h.watchers = append(h.watchers, r)

		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if h.mtime.IsZero() {
			h.mtime = info.ModTime()
		}
		switch {
		case slices.Contains(r.missing, p):
			missed = append(missed, Event{Type: EventAdd, Path: p, ModTime: info.ModTime()})
		case !startTime.IsZero() && !info.IsDir() && info.ModTime().After(startTime):
			missed = append(missed, Event{Type: EventChange, Path: p, ModTime: info.ModTime()})
		}
	}
	a.mu.Unlock()

	for _, ev := range missed {
		a.Push(ev)
	}
	return r
}

// Watchers returns the number of live registrations.
func (a *Aggregator) Watchers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.watchers)
}

func (a *Aggregator) handler(path string) *fileHandler {
	h, ok := a.files[path]
	if !ok {
		h = &fileHandler{}
		a.files[path] = h
	}
	return h
}

// fire runs one tick if the queue is non-empty.
func (a *Aggregator) fire() {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	a.mu.Lock()
	events := a.fsFifo
	a.fsFifo = nil
	a.mu.Unlock()

	if len(events) == 0 {
		return
	}
	a.tick(events)
}

type notification struct {
	r     *registration
	batch Batch
}

// tick processes one queue snapshot. Called with tickMu held.
func (a *Aggregator) tick(events []Event) {
	a.ticks++
	batch := classify(events)
	batch.Tick = a.ticks

	a.mu.Lock()
	for _, p := range batch.Changes {
		if batch.Mtimes[p].IsZero() {
			if info, err := os.Stat(p); err == nil {
				batch.Mtimes[p] = info.ModTime()
			}
		}
		if h, ok := a.files[p]; ok {
			h.mtime = batch.Mtimes[p]
		}
	}

	var notify []notification
	for _, r := range a.watchers {
		if r.paused || r.closed {
			continue
		}
		if sub, ok := r.subset(batch); ok {
			notify = append(notify, notification{r: r, batch: sub})
		}
	}
	for _, n := range notify {
		a.unregister(n.r)
	}
	a.mu.Unlock()

	touched := batch.Paths()
	for _, purge := range a.purgers {
		purge(touched)
	}

	for _, n := range notify {
		if n.r.callback != nil {
			n.r.callback(nil, n.batch.Changes, n.batch.Dirs, n.batch.Removals, n.batch.Mtimes, n.batch.Added)
		}
	}

	a.logger.Debug(context.Background(), "tick",
		"tick", batch.Tick, "changes", len(batch.Changes), "removals", len(batch.Removals),
		"added", len(batch.Added), "hard", batch.Hard, "notified", len(notify))

	for _, fn := range a.subscribers {
		fn(batch)
	}
}

// unregister removes r. Called with mu held.
func (a *Aggregator) unregister(r *registration) {
	r.closed = true
	a.watchers = slices.DeleteFunc(a.watchers, func(w *registration) bool { return w == r })
	for _, p := range r.paths() {
		h, ok := a.files[p]
		if !ok {
			continue
		}
		h.watchers = slices.DeleteFunc(h.watchers, func(w *registration) bool { return w == r })
		if len(h.watchers) == 0 {
			delete(a.files, p)
		}
	}
}

// classify turns a queue snapshot into a batch. Any removal event puts its
// path in Removals; Changes are the other paths. Added is derived separately
// from add and addDir events, so an unlink followed by an add is both removed
// and added.
func classify(events []Event) Batch {
	type state struct {
		last    Event
		removed bool
		added   bool
		dir     bool
	}
	var order []string
	states := make(map[string]*state)
	for _, ev := range events {
		s, ok := states[ev.Path]
		if !ok {
			s = &state{}
			states[ev.Path] = s
			order = append(order, ev.Path)
		}
		s.last = ev
		s.removed = s.removed || ev.Type.IsRemoval()
		s.added = s.added || ev.Type.IsAddition()
		s.dir = s.dir || ev.Type.IsDir()
	}

	b := Batch{Mtimes: make(map[string]time.Time)}
	for _, p := range order {
		s := states[p]
		if s.added {
			b.Added = append(b.Added, p)
		}
		if s.removed {
			b.Removals = append(b.Removals, p)
			continue
		}
		b.Changes = append(b.Changes, p)
		b.Mtimes[p] = s.last.ModTime
		if s.dir {
			b.Dirs = append(b.Dirs, p)
		}
	}
	b.Hard = len(b.Added) > 0 || len(b.Removals) > 0
	return b
}

func (r *registration) paths() []string {
	out := make([]string, 0, len(r.files)+len(r.dirs)+len(r.missing))
	out = append(out, r.files...)
	out = append(out, r.dirs...)
	return append(out, r.missing...)
}

func (r *registration) interested(path string) bool {
	base := filepath.Base(path)
	for _, re := range r.ignored.Ignored {
		if re.MatchString(base) {
			return false
		}
	}
	if slices.Contains(r.files, path) || slices.Contains(r.missing, path) {
		return true
	}
	for _, d := range r.dirs {
		if within(path, d) {
			return true
		}
	}
	return false
}

// subset restricts batch to the paths r watches.
func (r *registration) subset(b Batch) (Batch, bool) {
	out := Batch{Tick: b.Tick, Mtimes: make(map[string]time.Time), Hard: b.Hard}
	keep := func(paths []string) []string {
		var kept []string
		for _, p := range paths {
			if r.interested(p) {
				kept = append(kept, p)
			}
		}
		return kept
	}
	out.Changes = keep(b.Changes)
	out.Removals = keep(b.Removals)
	out.Added = keep(b.Added)
	out.Dirs = keep(b.Dirs)
	for _, p := range out.Changes {
		out.Mtimes[p] = b.Mtimes[p]
	}
	return out, !out.Empty()
}

// Close removes the registration.
func (r *registration) Close() {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	if !r.closed {
		r.agg.unregister(r)
	}
}

// Pause suppresses notifications until Resume.
func (r *registration) Pause() {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	r.paused = true
}

// Resume re-enables notifications.
func (r *registration) Resume() {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	r.paused = false
}

var _ bundler.WatchFileSystem = (*Aggregator)(nil)
