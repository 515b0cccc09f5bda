// Package pagetree turns a directory tree into a tree of pages. Each page
// carries one instance of every registered key, the files matched into them,
// its routes and its bundler entry name.
package pagetree

import (
	"path"
	"regexp"

	"github.com/conneroisu/attitude/internal/keys"
)

// Page is one node of the tree, one per source directory.
type Page struct {
	// ID is unique per parse. Ids are not stable across parses.
	ID   string
	Name string
	// RelativePath is slash separated and empty for the root page.
	RelativePath string
	// Dir is the absolute page directory.
	Dir string
	// Route is the primary route, Routes[0].
	Route  string
	Routes []string
	// BasePath is the route relative overrides were resolved against.
	BasePath  string
	EntryName string
	Greedy    bool
	Mount     bool

	Parent   *Page
	Children []*Page
	Keys     map[string]*keys.Key

	Ignore    []*regexp.Regexp
	NoWatch   []*regexp.Regexp
	Shared    string
	SharedDir string
	Delimiter string

	// Listing is the raw directory listing in read order.
	Listing []string
	// ConfigFile is the absolute path of the declarative config, if any.
	ConfigFile string

	scope keys.Scope
}

// IsRoot reports whether p is the tree root.
func (p *Page) IsRoot() bool {
	return p.Parent == nil
}

// Key returns the key instance named name, or nil.
func (p *Page) Key(name string) *keys.Key {
	return p.Keys[name]
}

// Value returns the value of the key named name, or nil.
func (p *Page) Value(name string) any {
	if k := p.Keys[name]; k != nil {
		return k.Get()
	}
	return nil
}

// Scope returns the key scope of the page.
func (p *Page) Scope() keys.Scope {
	return p.scope
}

// Path joins elem onto the page relative path.
func (p *Page) Path(elem ...string) string {
	return path.Join(append([]string{p.RelativePath}, elem...)...)
}

// NoWatched reports whether name matches one of the page's no-watch patterns.
func (p *Page) NoWatched(name string) bool {
	return matchAny(p.NoWatch, name)
}

func matchAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
