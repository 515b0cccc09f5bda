package pagetree

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/conneroisu/attitude/internal/config"
	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/hooks"
	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/pageconfig"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// RootEntryName is the entry name of the root page.
const RootEntryName = "index"

// Options configures a Parser.
type Options struct {
	Root        string
	Dist        string
	Public      string
	Ignore      []string
	NoWatch     []string
	ConfigFiles []string
	Focus       string
	Delimiter   string
	Shared      string
}

// OptionsFromConfig maps the process configuration onto parser options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Root:        cfg.Root,
		Dist:        cfg.Dist,
		Public:      cfg.PublicDir,
		Ignore:      cfg.Pages.Ignore,
		NoWatch:     cfg.Pages.NoWatch,
		ConfigFiles: cfg.Pages.ConfigFiles,
		Focus:       cfg.Pages.Focus,
		Delimiter:   cfg.Pages.Delimiter,
		Shared:      cfg.Pages.Shared,
	}
}

// Parser walks the pages root and builds a Tree.
type Parser struct {
	opts    Options
	ignore  []*regexp.Regexp
	noWatch []*regexp.Regexp

	keys   *keys.Registry
	hooks  *hooks.Dispatcher
	loader *pageconfig.Loader
	logger logging.Logger

	generation atomic.Uint64
}

// NewParser creates a parser. The registry and dispatcher are shared with the
// attitudes that registered into them.
func NewParser(opts Options, registry *keys.Registry, dispatcher *hooks.Dispatcher, loader *pageconfig.Loader, logger logging.Logger) (*Parser, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Delimiter == "" {
		opts.Delimiter = "."
	}
	if len(opts.ConfigFiles) == 0 {
		opts.ConfigFiles = []string{".page"}
	}
	opts.Focus = strings.Trim(filepath.ToSlash(opts.Focus), "/")

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, atterrors.InaccessiblePage(opts.Root, err)
	}
	opts.Root = root

	ignore, err := config.CompilePatterns(opts.Ignore)
	if err != nil {
		return nil, atterrors.NewConfigError("BAD_IGNORE", "compile ignore patterns", err)
	}
	noWatch, err := config.CompilePatterns(opts.NoWatch)
	if err != nil {
		return nil, atterrors.NewConfigError("BAD_NO_WATCH", "compile no-watch patterns", err)
	}

	if loader == nil {
		if loader, err = pageconfig.NewLoader(0, logger); err != nil {
			return nil, err
		}
	}

	return &Parser{
		opts:    opts,
		ignore:  ignore,
		noWatch: noWatch,
		keys:    registry,
		hooks:   dispatcher,
		loader:  loader,
		logger:  logger.WithComponent("parser"),
	}, nil
}

// Options returns the effective options.
func (p *Parser) Options() Options {
	return p.opts
}

// IsConfigFile reports whether name is a recognised declarative config name.
func (p *Parser) IsConfigFile(name string) bool {
	return slices.Contains(p.opts.ConfigFiles, name)
}

// Parse walks the whole tree from the root. An inaccessible page directory or
// an invalid config file fails the parse; matcher and hook failures are
// logged and leave the affected key at its default.
func (p *Parser) Parse(ctx context.Context) (*Tree, error) {
	perf := logging.StartOperation(p.logger, "parse")

	info, err := os.Stat(p.opts.Root)
	if err != nil {
		perf.EndWithError(ctx, err)
		return nil, atterrors.InaccessiblePage(p.opts.Root, err)
	}
	if !info.IsDir() {
		err := fmt.Errorf("%s is not a directory", p.opts.Root)
		perf.EndWithError(ctx, err)
		return nil, atterrors.InaccessiblePage(p.opts.Root, err)
	}

	root, err := p.parsePage(ctx, nil, "", "")
	if err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}

	assignEntryNames(root, p.opts.Delimiter, p.logger)

	tree := newTree(root, p.generation.Add(1))
	p.runTreeHooks(ctx, tree)

	perf.End(ctx, "pages", tree.Len(), "generation", tree.Generation)
	return tree, nil
}

// Purge drops the cached config files.
func (p *Parser) Purge() {
	p.loader.Purge()
}

func (p *Parser) parsePage(ctx context.Context, parent *Page, rel, name string) (*Page, error) {
	dir := filepath.Join(p.opts.Root, filepath.FromSlash(rel))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, atterrors.InaccessiblePage(dir, err)
	}

	page := &Page{
		ID:           uuid.NewString(),
		Name:         name,
		RelativePath: rel,
		Dir:          dir,
		Parent:       parent,
		Mount:        true,
	}
	p.inherit(page, parent)
	page.EntryName = entryNameFor(rel, page.Delimiter)
	page.scope = keys.Scope{
		Root:      p.opts.Root,
		Dist:      p.opts.Dist,
		Public:    p.opts.Public,
		RelPath:   rel,
		EntryName: page.EntryName,
	}

	var parentKeys map[string]*keys.Key
	if parent != nil {
		parentKeys = parent.Keys
	}
	page.Keys = p.keys.Apply(page.scope, parentKeys)

	for _, e := range entries {
		page.Listing = append(page.Listing, e.Name())
		if e.Name() == page.Shared && e.IsDir() {
			page.SharedDir = filepath.Join(dir, e.Name())
		}
	}

	decl, err := p.loadDeclaration(page)
	if err != nil {
		return nil, err
	}
	if err := p.applyDeclaration(ctx, page, decl); err != nil {
		return nil, err
	}
	page.Route = page.Routes[0]
	page.Greedy = slices.ContainsFunc(page.Routes, IsGreedy)
	if parent != nil && parent.IsRoot() && isStatusName(name) && (decl == nil || decl.Mount == nil) {
		page.Mount = false
	}

	p.pageHook(ctx, hooks.PhasePreParse, page, nil)

	var candidates []string
	for _, e := range entries {
		entryName := e.Name()
		if strings.HasPrefix(entryName, ".") {
			continue
		}

		isDir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 {
			if fi, err := os.Stat(filepath.Join(dir, entryName)); err == nil {
				isDir = fi.IsDir()
			}
		}

		if isDir {
			if matchAny(page.Ignore, entryName) {
				continue
			}
			childRel := path.Join(rel, entryName)
			if !p.inFocus(childRel) {
				continue
			}
			candidates = append(candidates, entryName)
			continue
		}

		p.matchFile(ctx, page, entryName)
	}

	p.pageHook(ctx, hooks.PhaseMatch, page, nil)

	for _, k := range page.Keys {
		k.ResolvePaths(page.scope)
	}

	children, err := p.parseChildren(ctx, page, candidates)
	if err != nil {
		return nil, err
	}
	page.Children = children

	p.pageHook(ctx, hooks.PhasePostParse, page, map[string]any{
		hooks.ValueListing: slices.Clone(page.Listing),
	})

	p.logger.Debug(ctx, "parsed page", "route", page.Route, "children", len(children))
	return page, nil
}

// parseChildren parses every candidate concurrently and keeps read order.
func (p *Parser) parseChildren(ctx context.Context, page *Page, names []string) ([]*Page, error) {
	if len(names) == 0 {
		return nil, nil
	}

	children := make([]*Page, len(names))
	workers := pool.New().WithErrors().WithContext(ctx)
	for i, name := range names {
		workers.Go(func(ctx context.Context) error {
			child, err := p.parsePage(ctx, page, path.Join(page.RelativePath, name), name)
			if err != nil {
				return err
			}
			children[i] = child
			return nil
		})
	}
	if err := workers.Wait(); err != nil {
		return nil, err
	}
	return children, nil
}

func (p *Parser) inherit(page, parent *Page) {
	if parent == nil {
		page.Ignore = p.ignore
		page.NoWatch = p.noWatch
		page.Shared = p.opts.Shared
		page.Delimiter = p.opts.Delimiter
		return
	}
	page.Ignore = parent.Ignore
	page.NoWatch = parent.NoWatch
	page.Shared = parent.Shared
	page.SharedDir = parent.SharedDir
	page.Delimiter = parent.Delimiter
}

func (p *Parser) inFocus(rel string) bool {
	focus := p.opts.Focus
	if focus == "" {
		return true
	}
	return rel == focus ||
		strings.HasPrefix(focus, rel+"/") ||
		strings.HasPrefix(rel, focus+"/")
}

// loadDeclaration reads the first recognised config file of the page.
func (p *Parser) loadDeclaration(page *Page) (*pageconfig.Declaration, error) {
	for _, candidate := range p.opts.ConfigFiles {
		if !slices.Contains(page.Listing, candidate) {
			continue
		}
		file := filepath.Join(page.Dir, candidate)
		raw, err := p.loader.Load(file)
		if err != nil {
			return nil, err
		}
		decl, err := pageconfig.Interpret(raw)
		if err != nil {
			return nil, atterrors.InvalidPageConfig(file, err)
		}
		page.ConfigFile = file
		return decl, nil
	}
	return nil, nil
}

func (p *Parser) applyDeclaration(ctx context.Context, page *Page, decl *pageconfig.Declaration) error {
	base := "/"
	if page.Parent != nil {
		base = page.Parent.Route
	}
	page.BasePath = base
	page.Routes = []string{"/" + page.RelativePath}

	if decl == nil {
		return nil
	}

	if len(decl.Routes) > 0 {
		page.Routes = page.Routes[:0]
		for _, r := range decl.Routes {
			page.Routes = append(page.Routes, resolveRoute(base, r))
		}
	}

	if len(decl.Ignore) > 0 {
		extra, err := config.CompilePatterns(decl.Ignore)
		if err != nil {
			return atterrors.InvalidPageConfig(page.ConfigFile, err)
		}
		page.Ignore = append(slices.Clip(page.Ignore), extra...)
	}
	if len(decl.NoWatch) > 0 {
		extra, err := config.CompilePatterns(decl.NoWatch)
		if err != nil {
			return atterrors.InvalidPageConfig(page.ConfigFile, err)
		}
		page.NoWatch = append(slices.Clip(page.NoWatch), extra...)
	}
	if decl.Mount != nil {
		page.Mount = *decl.Mount
	}

	for field, v := range decl.Values {
		k := page.Keys[field]
		if k == nil || !k.Definition().IsConfig {
			p.logger.Debug(ctx, "ignoring config field", "field", field, "file", page.ConfigFile)
			continue
		}
		k.Set(v)
	}
	return nil
}

// matchFile binds name into the first matching key.
func (p *Parser) matchFile(ctx context.Context, page *Page, name string) {
	m := p.keys.Match(name)
	if m == nil {
		return
	}
	if err := p.keys.Bind(page.Keys, m, keys.NewFileInfo(page.scope, name), page.scope); err != nil {
		p.logger.Warn(ctx, err, "file matcher failed", "key", m.Key, "file", page.Path(name))
	}
}

func (p *Parser) pageHook(ctx context.Context, phase hooks.Phase, page *Page, values map[string]any) {
	if p.hooks == nil {
		return
	}
	if _, err := p.hooks.Apply(ctx, phase, hooks.NewContext(page, values)); err != nil {
		p.logger.Warn(ctx, err, "page hook failed", "phase", phase, "page", page.Route)
	}
}

// runTreeHooks fires load and setup:route for the whole tree. A failing
// setup:route keeps the default route order.
func (p *Parser) runTreeHooks(ctx context.Context, tree *Tree) {
	if p.hooks == nil {
		return
	}
	if _, err := p.hooks.Apply(ctx, hooks.PhaseLoad, hooks.NewContext(nil, map[string]any{
		hooks.ValueTree: tree,
	})); err != nil {
		p.logger.Warn(ctx, err, "load hook failed")
	}

	out, err := p.hooks.Apply(ctx, hooks.PhaseSetupRoute, hooks.NewContext(nil, map[string]any{
		hooks.ValueTree:   tree,
		hooks.ValueRoutes: tree.Routes(),
	}))
	if err != nil {
		p.logger.Warn(ctx, err, "setup:route hook failed, keeping default route order")
		return
	}
	if routes, ok := out.Values[hooks.ValueRoutes].([]Route); ok {
		tree.SetRoutes(routes)
	}
}

// resolveRoute keeps absolute routes and joins relative ones onto base.
func resolveRoute(base, route string) string {
	if strings.HasPrefix(route, "/") {
		return route
	}
	joined := path.Join(base, route)
	if strings.HasSuffix(route, "/") && joined != "/" {
		joined += "/"
	}
	return joined
}

func entryNameFor(rel, delimiter string) string {
	if rel == "" {
		return RootEntryName
	}
	return strings.ReplaceAll(rel, "/", delimiter)
}

// assignEntryNames makes entry names unique in pre-order. A colliding page
// gets a ~N suffix and its key distribution paths are recomputed.
func assignEntryNames(root *Page, delimiter string, logger logging.Logger) {
	used := make(map[string]int)
	_ = walk(root, func(page *Page) error {
		base := page.EntryName
		n := used[base]
		used[base] = n + 1
		if n == 0 {
			return nil
		}

		candidate := base + "~" + strconv.Itoa(n)
		for used[candidate] > 0 {
			n++
			candidate = base + "~" + strconv.Itoa(n)
		}
		used[candidate] = 1
		used[base] = n + 1

		logger.Warn(context.Background(), nil, "entry name collision",
			"entry", base, "renamed", candidate, "page", page.RelativePath, "delimiter", delimiter)
		page.EntryName = candidate
		page.scope.EntryName = candidate
		for _, k := range page.Keys {
			k.Relocate(page.scope)
		}
		return nil
	})
}

func isStatusName(name string) bool {
	code, err := strconv.Atoi(name)
	return err == nil && len(name) == 3 && code >= 400 && code <= 599
}
