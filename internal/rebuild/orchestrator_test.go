package rebuild

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conneroisu/attitude/internal/attitudes"
	"github.com/conneroisu/attitude/internal/bundler"
	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/hooks"
	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/metrics"
	"github.com/conneroisu/attitude/internal/pageconfig"
	"github.com/conneroisu/attitude/internal/pagetree"
	"github.com/conneroisu/attitude/internal/server"
	"github.com/conneroisu/attitude/internal/watcher"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBundler wraps the file bundler, optionally blocking or failing
// every compile. fail is wrapped as a recoverable compile failure, fatal is
// returned as is.
type countingBundler struct {
	*bundler.FileBundler
	compiles atomic.Int32
	started  chan struct{}
	release  chan struct{}
	fail     error
	fatal    error
}

func (c *countingBundler) Compile(ctx context.Context) (*bundler.Stats, error) {
	c.compiles.Add(1)
	if c.started != nil {
		select {
		case c.started <- struct{}{}:
		default:
		}
	}
	if c.release != nil {
		<-c.release
	}
	if c.fatal != nil {
		return nil, c.fatal
	}
	if c.fail != nil {
		return nil, atterrors.CompileFailed(c.fail)
	}
	return c.FileBundler.Compile(ctx)
}

type reloads struct{ last atomic.Uint64 }

// countingRecorder counts parse and compile observations.
type countingRecorder struct {
	metrics.NopRecorder
	parses      atomic.Int32
	parseErrors atomic.Int32
	compiles    atomic.Int32
}

func (r *countingRecorder) ObserveParse(_ time.Duration, _ int, err error) {
	r.parses.Add(1)
	if err != nil {
		r.parseErrors.Add(1)
	}
}

func (r *countingRecorder) ObserveCompile(time.Duration, metrics.Outcome) {
	r.compiles.Add(1)
}

func (r *reloads) Reload(generation uint64) { r.last.Store(generation) }

type harness struct {
	root    string
	orch    *Orchestrator
	agg     *watcher.Aggregator
	srv     *server.Server
	bundler *countingBundler
	reloads *reloads
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newHarness(t *testing.T, files map[string]string, mutate func(*Options, *pagetree.Options)) *harness {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "pages")
	require.NoError(t, os.MkdirAll(root, 0o755))
	for name, content := range files {
		if filepath.Ext(name) == "" && content == "" {
			require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
			continue
		}
		writeFile(t, filepath.Join(root, filepath.FromSlash(name)), content)
	}

	logger := logging.NewNop()
	loader, err := pageconfig.NewLoader(16, logger)
	require.NoError(t, err)
	host := attitudes.NewHost(keys.NewRegistry(), hooks.NewDispatcher(logger), loader, attitudes.Info{Mode: "development"}, logger)
	require.NoError(t, host.Install(attitudes.Builtins(), nil, nil))

	popts := pagetree.Options{Root: root, Dist: filepath.Join(base, "dist"), Public: "public", Ignore: []string{"^_"}}
	opts := Options{
		Dispatcher:   host.Dispatcher,
		Loader:       loader,
		Aggregator:   watcher.NewAggregator(50*time.Millisecond, clockwork.NewFakeClock(), logger),
		Logger:       logger,
		ReparseFiles: attitudes.ControllerFiles,
	}
	if mutate != nil {
		mutate(&opts, &popts)
	}

	parser, err := pagetree.NewParser(popts, host.Registry, host.Dispatcher, loader, logger)
	require.NoError(t, err)
	fb, err := bundler.NewFileBundler(bundler.FileBundlerOptions{Logger: logger})
	require.NoError(t, err)

	h := &harness{
		root:    root,
		agg:     opts.Aggregator,
		srv:     server.New(server.Options{Documents: []string{attitudes.KeyTemplate, attitudes.KeyMarkdown}}),
		bundler: &countingBundler{FileBundler: fb},
		reloads: &reloads{},
	}
	opts.Parser = parser
	opts.Bundler = h.bundler
	opts.Mounter = h.srv
	opts.Reloader = h.reloads

	h.orch, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(h.orch.Stop)
	if h.agg != nil {
		t.Cleanup(h.agg.Close)
	}
	return h
}

func (h *harness) status(t *testing.T, target string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec.Code
}

func TestStateString(t *testing.T) {
	testCases := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateAggregating, "aggregating"},
		{StateDeciding, "deciding"},
		{StateRecompiling, "recompiling"},
		{StateReParsing, "reparsing"},
		{State(9), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.state.String())
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStartMountsFirstGeneration(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "home", "blog/index.md": "# Blog"}, nil)
	require.NoError(t, h.orch.Start(context.Background()))

	assert.Equal(t, StateIdle, h.orch.State())
	assert.Equal(t, http.StatusOK, h.status(t, "/"))
	assert.Equal(t, http.StatusOK, h.status(t, "/blog"))
	assert.Equal(t, int32(1), h.bundler.compiles.Load())
	assert.Equal(t, h.orch.Tree().Generation, h.reloads.last.Load())
	assert.Equal(t, 1, h.agg.Watchers(), "bundler inputs are watched")
}

func TestRequestCompileCoalesces(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "home"}, nil)
	require.NoError(t, h.orch.Start(context.Background()))
	require.Equal(t, int32(1), h.bundler.compiles.Load())

	h.bundler.started = make(chan struct{}, 1)
	h.bundler.release = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.orch.RequestCompile(context.Background()) }()
	<-h.bundler.started
	assert.Equal(t, StateRecompiling, h.orch.State())

	require.NoError(t, h.orch.RequestCompile(context.Background()))
	require.NoError(t, h.orch.RequestCompile(context.Background()))

	close(h.bundler.release)
	require.NoError(t, <-errc)
	assert.Equal(t, int32(3), h.bundler.compiles.Load(), "two requests during a compile add exactly one compile")
	assert.Equal(t, StateIdle, h.orch.State())
}

func TestHardBatchReparsesAndSwaps(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "home", "about": ""}, nil)
	require.NoError(t, h.orch.Start(context.Background()))
	first := h.orch.Tree().Generation

	assert.Equal(t, http.StatusNotFound, h.status(t, "/about"))

	added := filepath.Join(h.root, "about", "index.html")
	writeFile(t, added, "about")
	h.agg.Push(watcher.Event{Type: watcher.EventAdd, Path: added})
	assert.Equal(t, StateAggregating, h.orch.State())
	h.agg.Flush()

	require.Eventually(t, func() bool { return h.status(t, "/about") == http.StatusOK }, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, h.orch.Tree().Generation, first)
	assert.Equal(t, int32(2), h.bundler.compiles.Load())
}

func TestSoftBatchRecompiles(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "home", "blog/app.js": "1"}, nil)
	require.NoError(t, h.orch.Start(context.Background()))
	generation := h.orch.Tree().Generation

	script := filepath.Join(h.root, "blog", "app.js")
	writeFile(t, script, "2")
	h.agg.Push(watcher.Event{Type: watcher.EventChange, Path: script})
	h.agg.Flush()

	require.Eventually(t, func() bool { return h.bundler.compiles.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, generation, h.orch.Tree().Generation, "a recompile keeps the tree")
}

func TestUnwatchedChangeDoesNothing(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "home", "notes.txt": "x"}, nil)
	require.NoError(t, h.orch.Start(context.Background()))

	h.agg.Push(watcher.Event{Type: watcher.EventChange, Path: filepath.Join(h.root, "notes.txt")})
	h.agg.Flush()

	require.Eventually(t, func() bool { return h.orch.State() == StateIdle }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), h.bundler.compiles.Load())
}

func TestNeedsReparse(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "home"}, func(_ *Options, p *pagetree.Options) {
		p.ConfigFiles = []string{".page", ".page.yaml"}
		p.NoWatch = []string{`^\.page\.yaml$`}
	})
	require.NoError(t, h.orch.Start(context.Background()))

	testCases := []struct {
		name  string
		batch watcher.Batch
		want  bool
	}{
		{"hard", watcher.Batch{Changes: []string{"/p/x.css"}, Hard: true}, true},
		{"content change", watcher.Batch{Changes: []string{"/p/index.html"}}, false},
		{"config change", watcher.Batch{Changes: []string{"/p/blog/.page"}}, true},
		{"config removal", watcher.Batch{Removals: []string{"/p/.page"}}, true},
		{"controller change", watcher.Batch{Changes: []string{"/p/blog/.controller.yaml"}}, true},
		{"config under no_watch", watcher.Batch{Changes: []string{"/p/.page.yaml"}}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, h.orch.NeedsReparse(tc.batch))
		})
	}
}

func TestCompileFailures(t *testing.T) {
	boom := errors.New("bundler exploded")

	t.Run("development keeps serving", func(t *testing.T) {
		h := newHarness(t, map[string]string{"index.html": "home"}, nil)
		h.bundler.fail = boom
		require.NoError(t, h.orch.Start(context.Background()))
		assert.Equal(t, http.StatusOK, h.status(t, "/"))

		err := h.orch.RequestCompile(context.Background())
		require.Error(t, err)
		assert.True(t, atterrors.IsRecoverable(err))
	})

	t.Run("one-shot build is fatal", func(t *testing.T) {
		h := newHarness(t, map[string]string{"index.html": "home"}, func(o *Options, _ *pagetree.Options) {
			o.OneShot = true
			o.Aggregator = nil
		})
		h.bundler.fail = boom
		_, err := h.orch.Build(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, atterrors.ErrCompileFailed)
		assert.Zero(t, h.srv.Generation(), "nothing is mounted")
	})
}

func TestReparseFailureKeepsGeneration(t *testing.T) {
	rec := &countingRecorder{}
	h := newHarness(t, map[string]string{"index.html": "home"}, func(o *Options, _ *pagetree.Options) {
		o.Metrics = rec
	})
	require.NoError(t, h.orch.Start(context.Background()))
	generation := h.srv.Generation()
	require.Equal(t, int32(1), rec.parses.Load())

	broken := filepath.Join(h.root, ".page")
	writeFile(t, broken, "{not json")
	h.agg.Push(watcher.Event{Type: watcher.EventAdd, Path: broken})
	h.agg.Flush()

	assert.Equal(t, uint64(1), h.agg.Ticks())
	require.Eventually(t, func() bool {
		return rec.parseErrors.Load() == 1 && h.orch.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), rec.parses.Load())
	assert.Equal(t, int32(1), rec.compiles.Load(), "a failed parse never compiles")
	assert.Equal(t, generation, h.srv.Generation())
	assert.Equal(t, http.StatusOK, h.status(t, "/"))
}

func TestReparseCompileFailures(t *testing.T) {
	testCases := []struct {
		name    string
		fail    error
		fatal   error
		swapped bool
	}{
		{"recoverable failure mounts the new tree", errors.New("bundler exploded"), nil, true},
		{"fatal failure keeps the previous generation", nil, errors.New("dist is read-only"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &countingRecorder{}
			h := newHarness(t, map[string]string{"index.html": "home", "about": ""}, func(o *Options, _ *pagetree.Options) {
				o.Metrics = rec
			})
			require.NoError(t, h.orch.Start(context.Background()))
			generation := h.srv.Generation()

			h.bundler.fail = tc.fail
			h.bundler.fatal = tc.fatal
			added := filepath.Join(h.root, "about", "index.html")
			writeFile(t, added, "about")
			h.agg.Push(watcher.Event{Type: watcher.EventAdd, Path: added})
			h.agg.Flush()

			require.Eventually(t, func() bool {
				return rec.compiles.Load() == 2 && h.orch.State() == StateIdle
			}, 2*time.Second, 10*time.Millisecond)

			if tc.swapped {
				assert.Greater(t, h.srv.Generation(), generation)
				assert.Equal(t, http.StatusOK, h.status(t, "/about"))
				return
			}
			assert.Equal(t, generation, h.srv.Generation())
			assert.Equal(t, http.StatusNotFound, h.status(t, "/about"))
		})
	}
}

func TestStopIgnoresBatches(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "home"}, nil)
	require.NoError(t, h.orch.Start(context.Background()))
	h.orch.Stop()

	added := filepath.Join(h.root, "late", "index.html")
	writeFile(t, added, "late")
	h.agg.Push(watcher.Event{Type: watcher.EventAdd, Path: added})
	h.agg.Flush()

	assert.Equal(t, http.StatusNotFound, h.status(t, "/late"))
	assert.Equal(t, int32(1), h.bundler.compiles.Load())
}
