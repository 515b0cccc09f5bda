package pagetree

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SkipChildren returned from a WalkFunc skips the children of the page.
var SkipChildren = errors.New("skip children")

// WalkFunc is called for every page of a tree in pre-order.
type WalkFunc func(p *Page) error

// Route is one mounted route pattern.
type Route struct {
	Pattern string
	Page    *Page
	Greedy  bool
}

// Tree is one generation of parsed pages. It is replaced wholesale by a
// full re-parse.
type Tree struct {
	Root       *Page
	Generation uint64
	ParsedAt   time.Time

	routes  []Route
	byEntry map[string]*Page
	byID    map[string]*Page
}

func newTree(root *Page, generation uint64) *Tree {
	t := &Tree{
		Root:       root,
		Generation: generation,
		ParsedAt:   time.Now(),
		byEntry:    make(map[string]*Page),
		byID:       make(map[string]*Page),
	}
	_ = t.Walk(func(p *Page) error {
		t.byEntry[p.EntryName] = p
		t.byID[p.ID] = p
		return nil
	})
	t.routes = DefaultRoutes(t)
	return t
}

// Walk visits every page in pre-order.
func (t *Tree) Walk(fn WalkFunc) error {
	if t == nil || t.Root == nil {
		return nil
	}
	err := walk(t.Root, fn)
	if errors.Is(err, SkipChildren) {
		return nil
	}
	return err
}

func walk(p *Page, fn WalkFunc) error {
	if err := fn(p); err != nil {
		return err
	}
	for _, c := range p.Children {
		if err := walk(c, fn); err != nil && !errors.Is(err, SkipChildren) {
			return err
		}
	}
	return nil
}

// Pages returns every page in pre-order.
func (t *Tree) Pages() []*Page {
	var out []*Page
	_ = t.Walk(func(p *Page) error {
		out = append(out, p)
		return nil
	})
	return out
}

// Len returns the number of pages.
func (t *Tree) Len() int {
	return len(t.byID)
}

// ByEntry returns the page with the given entry name.
func (t *Tree) ByEntry(entryName string) (*Page, bool) {
	p, ok := t.byEntry[entryName]
	return p, ok
}

// ByID returns the page with the given id.
func (t *Tree) ByID(id string) (*Page, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// StatusPage returns the root child named after code, e.g. "404".
func (t *Tree) StatusPage(code int) (*Page, bool) {
	if t == nil || t.Root == nil {
		return nil, false
	}
	name := strconv.Itoa(code)
	for _, c := range t.Root.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ConfigFiles returns the declarative config files of every page.
func (t *Tree) ConfigFiles() []string {
	var out []string
	_ = t.Walk(func(p *Page) error {
		if p.ConfigFile != "" {
			out = append(out, p.ConfigFile)
		}
		return nil
	})
	return out
}

// NoWatch returns the no-watch patterns of the root page.
func (t *Tree) NoWatch() []*regexp.Regexp {
	if t == nil || t.Root == nil {
		return nil
	}
	return t.Root.NoWatch
}

// Routes returns the route table in mount order.
func (t *Tree) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// SetRoutes replaces the route table. It is used by setup:route handlers
// through the parser.
func (t *Tree) SetRoutes(routes []Route) {
	t.routes = append([]Route(nil), routes...)
}

// DefaultRoutes lists the routes of every mounted page in pre-order.
func DefaultRoutes(t *Tree) []Route {
	var out []Route
	_ = t.Walk(func(p *Page) error {
		if !p.Mount {
			return nil
		}
		for _, r := range p.Routes {
			out = append(out, Route{Pattern: r, Page: p, Greedy: IsGreedy(r)})
		}
		return nil
	})
	return out
}

// SortRoutes orders non-greedy routes before greedy ones. The sort is stable.
func SortRoutes(routes []Route) []Route {
	out := append([]Route(nil), routes...)
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].Greedy && out[j].Greedy
	})
	return out
}

// IsGreedy reports whether a route pattern contains a wildcard.
func IsGreedy(route string) bool {
	return strings.Contains(route, "*")
}
