package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
	"github.com/yuin/goldmark"
)

// ManifestFile is the name of the manifest written into dist.
const ManifestFile = "manifest.json"

// FileBundler is the reference Bundler. It copies every entry into dist and
// renders markdown sources to HTML. Outputs are skipped while the source
// mtime is unchanged since the last successful write.
type FileBundler struct {
	mu       sync.Mutex
	cfg      *Config
	built    map[string]time.Time
	md       goldmark.Markdown
	command  *CommandRunner
	logger   logging.Logger
	compiles int
}

// FileBundlerOptions configures a FileBundler.
type FileBundlerOptions struct {
	// Command runs in dist after every successful compile.
	Command string
	Logger  logging.Logger
}

// NewFileBundler creates the reference bundler.
func NewFileBundler(opts FileBundlerOptions) (*FileBundler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	runner, err := NewCommandRunner(opts.Command)
	if err != nil {
		return nil, atterrors.NewConfigError("BAD_BUNDLER_COMMAND", "invalid bundler command", err)
	}
	return &FileBundler{
		built:   make(map[string]time.Time),
		md:      goldmark.New(),
		command: runner,
		logger:  logger.WithComponent("bundler"),
	}, nil
}

// Configure installs the configuration of a new generation.
func (b *FileBundler) Configure(cfg *Config) error {
	if cfg == nil {
		return atterrors.NewInternalError("NIL_CONFIG", "nil bundler config", nil)
	}
	if cfg.Dist == "" {
		return atterrors.NewConfigError("NO_DIST", "bundler config has no dist directory", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return nil
}

// Compile writes every entry of the configured generation.
func (b *FileBundler) Compile(ctx context.Context) (*Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg == nil {
		return nil, atterrors.CompileFailed(errors.New("bundler is not configured"))
	}

	start := time.Now()
	stats := &Stats{Generation: b.cfg.Generation}
	errs := atterrors.NewCollector()

	for _, name := range b.cfg.EntryNames() {
		for _, e := range b.cfg.Entries[name] {
			done, rendered, err := b.build(e)
			switch {
			case err != nil:
				errs.Add(fmt.Errorf("%s/%s: %w", name, e.Key, err))
			case !done:
				stats.Skipped++
			case rendered:
				stats.Rendered++
			default:
				stats.Copied++
			}
		}
	}

	if !errs.HasErrors() && b.cfg.Manifest != nil {
		errs.Add(b.writeManifest())
	}

	if !errs.HasErrors() && b.command != nil {
		_, err := b.command.Run(ctx, b.cfg.Dist)
		errs.Add(err)
	}

	b.compiles++
	stats.Duration = time.Since(start)
	if errs.HasErrors() {
		return stats, atterrors.CompileFailed(errs.Err())
	}

	b.logger.Debug(ctx, "compiled", "generation", stats.Generation,
		"copied", stats.Copied, "rendered", stats.Rendered, "skipped", stats.Skipped)
	return stats, nil
}

// Compiles returns the number of Compile calls.
func (b *FileBundler) Compiles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compiles
}

// Purge forgets the build state of paths, or of every source when none are
// given, forcing them to be rebuilt.
func (b *FileBundler) Purge(paths ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(paths) == 0 {
		clear(b.built)
		return
	}
	for _, p := range paths {
		delete(b.built, p)
	}
}

// Inputs returns the entry sources and their directories.
func (b *FileBundler) Inputs() (files, dirs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return nil, nil
	}
	files = b.cfg.Sources()
	for _, f := range files {
		d := filepath.Dir(f)
		if !slices.Contains(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	return files, dirs
}

// build produces one entry. done is false when the output was up to date.
func (b *FileBundler) build(e Entry) (done, rendered bool, err error) {
	info, err := os.Stat(e.Source)
	if err != nil {
		return false, false, err
	}
	if mtime, ok := b.built[e.Source]; ok && mtime.Equal(info.ModTime()) {
		if _, err := os.Stat(e.Dist); err == nil {
			return false, false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(e.Dist), 0o755); err != nil {
		return false, false, err
	}

	if isMarkdown(e.Source) && strings.EqualFold(filepath.Ext(e.Dist), ".html") {
		err = b.render(e)
		rendered = true
	} else {
		err = copyFile(e.Source, e.Dist)
	}
	if err != nil {
		return false, false, err
	}

	b.built[e.Source] = info.ModTime()
	return true, rendered, nil
}

func (b *FileBundler) render(e Entry) error {
	src, err := os.ReadFile(e.Source)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := b.md.Convert(src, &buf); err != nil {
		return err
	}
	return os.WriteFile(e.Dist, buf.Bytes(), 0o644)
}

func (b *FileBundler) writeManifest() error {
	if err := os.MkdirAll(b.cfg.Dist, 0o755); err != nil {
		return err
	}
	data := oj.JSON(b.cfg.Manifest, &ojg.Options{Indent: 2, Sort: true})
	return os.WriteFile(filepath.Join(b.cfg.Dist, ManifestFile), []byte(data), 0o644)
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
