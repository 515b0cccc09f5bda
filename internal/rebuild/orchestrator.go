// Package rebuild decides, for every aggregated batch of file changes,
// whether the bundler only needs to recompile or the page tree must be
// parsed again, and swaps fresh routers in once a re-parse is complete.
package rebuild

import (
	"context"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/attitude/internal/bundler"
	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/hooks"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/metrics"
	"github.com/conneroisu/attitude/internal/pageconfig"
	"github.com/conneroisu/attitude/internal/pagetree"
	"github.com/conneroisu/attitude/internal/watcher"
)

// State is the orchestrator state.
type State int32

const (
	StateIdle State = iota
	StateAggregating
	StateDeciding
	StateRecompiling
	StateReParsing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAggregating:
		return "aggregating"
	case StateDeciding:
		return "deciding"
	case StateRecompiling:
		return "recompiling"
	case StateReParsing:
		return "reparsing"
	default:
		return "unknown"
	}
}

// Mounter builds a router for a tree and swaps it in atomically.
type Mounter interface {
	Mount(tree *pagetree.Tree) error
}

// Reloader is told when a generation finished building.
type Reloader interface {
	Reload(generation uint64)
}

// Options wires an Orchestrator.
type Options struct {
	Parser     *pagetree.Parser
	Dispatcher *hooks.Dispatcher
	Loader     *pageconfig.Loader
	Bundler    bundler.Bundler
	// Aggregator is nil for one-shot builds.
	Aggregator *watcher.Aggregator
	Mounter    Mounter
	Reloader   Reloader
	Metrics    metrics.Recorder
	Logger     logging.Logger
	Production bool
	// OneShot makes compile failures fatal.
	OneShot bool
	// ReparseFiles are base names read at parse time besides the
	// declarative config files, such as controller dotfiles.
	ReparseFiles []string
}

// Orchestrator drives parses and compiles.
type Orchestrator struct {
	opts   Options
	logger logging.Logger
	state  atomic.Int32

	treeMu sync.RWMutex
	tree   *pagetree.Tree

	// buildMu serialises bundler access.
	buildMu sync.Mutex

	compileMu       sync.Mutex
	compiling       bool
	nextCompilation bool

	inputsDirty atomic.Bool

	pendingMu sync.Mutex
	pending   []watcher.Batch
	signal    chan struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Parser == nil || opts.Dispatcher == nil || opts.Bundler == nil {
		return nil, atterrors.NewInternalError("INCOMPLETE_ORCHESTRATOR", "orchestrator needs a parser, a dispatcher and a bundler", nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	o := &Orchestrator{
		opts:   opts,
		logger: opts.Logger.WithComponent("rebuild"),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if agg := opts.Aggregator; agg != nil {
		agg.AddPurger(o.purge)
		agg.Subscribe(o.enqueue)
	}
	return o, nil
}

// State returns the current state. Queued raw events count as aggregating.
func (o *Orchestrator) State() State {
	s := State(o.state.Load())
	if s == StateIdle && o.opts.Aggregator != nil && o.opts.Aggregator.Pending() > 0 {
		return StateAggregating
	}
	return s
}

// Tree returns the serving generation.
func (o *Orchestrator) Tree() *pagetree.Tree {
	o.treeMu.RLock()
	defer o.treeMu.RUnlock()
	return o.tree
}

// Start performs the initial parse, compile and mount, then acts on
// aggregated batches until ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.reparse(ctx, true); err != nil {
		return err
	}
	if o.opts.Aggregator == nil {
		return nil
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
	return nil
}

// Build performs a single parse and compile.
func (o *Orchestrator) Build(ctx context.Context) (*pagetree.Tree, error) {
	if err := o.reparse(ctx, true); err != nil {
		return nil, err
	}
	return o.Tree(), nil
}

// Stop ignores further batches and waits for running work.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		close(o.done)
	})
	o.wg.Wait()
}

// RequestCompile compiles the current configuration. A request made while a
// compile is running schedules exactly one more compile and returns at once.
func (o *Orchestrator) RequestCompile(ctx context.Context) error {
	o.compileMu.Lock()
	if o.compiling {
		o.nextCompilation = true
		o.compileMu.Unlock()
		o.opts.Metrics.IncCoalesced()
		return nil
	}
	o.compiling = true
	o.compileMu.Unlock()

	for {
		o.state.Store(int32(StateRecompiling))
		o.buildMu.Lock()
		stats, err := o.compile(ctx, o.Tree())
		o.buildMu.Unlock()
		if err == nil {
			o.reload(stats)
		}

		o.compileMu.Lock()
		if !o.nextCompilation {
			o.compiling = false
			o.compileMu.Unlock()
			o.state.Store(int32(StateIdle))
			return err
		}
		o.nextCompilation = false
		o.compileMu.Unlock()
	}
}

// enqueue is the aggregator subscriber. It never blocks the tick.
func (o *Orchestrator) enqueue(b watcher.Batch) {
	if o.stopped.Load() {
		return
	}
	o.pendingMu.Lock()
	o.pending = append(o.pending, b)
	o.pendingMu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-o.signal:
		}

		o.pendingMu.Lock()
		batches := o.pending
		o.pending = nil
		o.pendingMu.Unlock()
		if len(batches) == 0 || o.stopped.Load() {
			continue
		}
		o.handle(ctx, batches)
	}
}

// handle acts on the batches delivered since the last decision. A re-parse
// runs to completion here; batches arriving meanwhile wait for the next
// round.
func (o *Orchestrator) handle(ctx context.Context, batches []watcher.Batch) {
	o.state.Store(int32(StateDeciding))
	reparse := false
	for _, b := range batches {
		hard := o.NeedsReparse(b)
		if hard {
			o.opts.Metrics.IncTick(metrics.TickHard)
		} else {
			o.opts.Metrics.IncTick(metrics.TickSoft)
		}
		reparse = reparse || hard
	}

	if reparse {
		o.logger.Info(ctx, "re-parsing page tree", "batches", len(batches))
		if err := o.reparse(ctx, false); err != nil {
			o.report(ctx, err, "re-parse failed, keeping the previous generation")
		}
		return
	}

	if !o.inputsDirty.Swap(false) {
		o.state.Store(int32(StateIdle))
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.RequestCompile(ctx); err != nil {
			o.report(ctx, err, "compile failed, serving previous output")
		}
	}()
}

// NeedsReparse reports whether b changes the page topology or a declarative
// config file.
func (o *Orchestrator) NeedsReparse(b watcher.Batch) bool {
	if b.Hard {
		return true
	}
	tree := o.Tree()
	for _, p := range b.Paths() {
		base := filepath.Base(p)
		if !o.opts.Parser.IsConfigFile(base) && !slices.Contains(o.opts.ReparseFiles, base) {
			continue
		}
		if tree != nil && tree.Root.NoWatched(base) {
			continue
		}
		return true
	}
	return false
}

// reparse rebuilds the tree and the bundler configuration, compiles, then
// mounts the new generation.
func (o *Orchestrator) reparse(ctx context.Context, initial bool) error {
	o.state.Store(int32(StateReParsing))
	defer o.state.Store(int32(StateIdle))

	o.buildMu.Lock()
	defer o.buildMu.Unlock()

	if !initial {
		if agg := o.opts.Aggregator; agg != nil {
			agg.Purge()
		}
		o.opts.Parser.Purge()
		o.opts.Bundler.Purge()
	}
	o.inputsDirty.Store(false)

	start := time.Now()
	tree, err := o.opts.Parser.Parse(ctx)
	pages := 0
	if tree != nil {
		pages = tree.Len()
	}
	o.opts.Metrics.ObserveParse(time.Since(start), pages, err)
	if err != nil {
		return err
	}

	if err := o.configure(ctx, tree); err != nil {
		return err
	}

	// Recoverable compile failures still mount the new tree.
	stats, err := o.compile(ctx, tree)
	if err != nil && (o.opts.OneShot || atterrors.IsFatal(err)) {
		return err
	}

	if o.opts.Mounter != nil {
		if err := o.opts.Mounter.Mount(tree); err != nil {
			return err
		}
		o.opts.Metrics.IncSwap()
	}

	o.treeMu.Lock()
	o.tree = tree
	o.treeMu.Unlock()
	o.reload(stats)

	o.logger.Info(ctx, "generation ready", "generation", tree.Generation, "pages", tree.Len(), "routes", len(tree.Routes()))
	return nil
}

// configure runs apply and post:apply over a fresh bundler configuration.
func (o *Orchestrator) configure(ctx context.Context, tree *pagetree.Tree) error {
	opts := o.opts.Parser.Options()
	cfg := bundler.ConfigFromTree(tree, opts.Dist, opts.Public, o.opts.Production)

	hc := hooks.NewContext(nil, map[string]any{
		hooks.ValueBundler: cfg,
		hooks.ValueTree:    tree,
	})
	for _, phase := range []hooks.Phase{hooks.PhaseApply, hooks.PhasePostApply} {
		out, err := o.opts.Dispatcher.Apply(ctx, phase, hc)
		if err != nil {
			o.logger.Warn(ctx, err, "hook failed", "phase", phase)
		}
		hc = out
	}
	if v, ok := hc.Get(bundler.ValueManifest); ok {
		if manifest, ok := v.(map[string]any); ok {
			cfg.Manifest = manifest
		}
	}
	return o.opts.Bundler.Configure(cfg)
}

// compile runs one bundler compile between the compile hooks. Called with
// buildMu held.
func (o *Orchestrator) compile(ctx context.Context, tree *pagetree.Tree) (*bundler.Stats, error) {
	o.dispatch(ctx, hooks.PhasePreCompile, nil)

	startTime := time.Now()
	stats, err := o.opts.Bundler.Compile(ctx)
	elapsed := time.Since(startTime)

	if err != nil {
		o.opts.Metrics.ObserveCompile(elapsed, metrics.OutcomeFailed)
		o.report(ctx, err, "compile failed", "duration", elapsed)
	} else {
		o.opts.Metrics.ObserveCompile(elapsed, metrics.OutcomeSuccess)
		o.logger.Debug(ctx, "compile finished", "generation", stats.Generation, "duration", elapsed)
	}

	o.dispatch(ctx, hooks.PhasePostCompile, map[string]any{"stats": stats, "error": err})
	o.watchInputs(tree, startTime)
	return stats, err
}

// report logs fatal errors at error level and recoverable ones as warnings.
func (o *Orchestrator) report(ctx context.Context, err error, msg string, args ...any) {
	args = append(args, "type", atterrors.GetErrorType(err))
	if atterrors.IsFatal(err) {
		o.logger.Error(ctx, err, msg, args...)
		return
	}
	o.logger.Warn(ctx, err, msg, args...)
}

func (o *Orchestrator) reload(stats *bundler.Stats) {
	if o.opts.Reloader != nil && stats != nil {
		o.opts.Reloader.Reload(stats.Generation)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, phase hooks.Phase, values map[string]any) {
	if _, err := o.opts.Dispatcher.Apply(ctx, phase, hooks.NewContext(nil, values)); err != nil {
		o.logger.Warn(ctx, err, "hook failed", "phase", phase)
	}
}

// watchInputs registers a one-shot watcher over the bundler input files.
// Inputs modified since startTime are reported on the next tick. Added and
// removed files arrive as hard batches and need no registration.
func (o *Orchestrator) watchInputs(tree *pagetree.Tree, startTime time.Time) {
	agg := o.opts.Aggregator
	if agg == nil || o.stopped.Load() {
		return
	}
	files, _ := o.opts.Bundler.Inputs()
	var ignored []*regexp.Regexp
	if tree != nil {
		ignored = tree.NoWatch()
	}
	agg.Watch(files, nil, nil, startTime, bundler.WatchOptions{Ignored: ignored},
		func(err error, changes, dirs, removals []string, mtimes map[string]time.Time, added []string) {
			o.inputsDirty.Store(true)
		}, nil)
}

// purge invalidates cached content for paths touched by a tick.
func (o *Orchestrator) purge(paths []string) {
	if o.opts.Loader != nil {
		o.opts.Loader.Invalidate(paths...)
	}
	if len(paths) > 0 {
		o.opts.Bundler.Purge(paths...)
	}
}
