package hooks

import (
	"maps"
	"reflect"
	"sort"

	atterrors "github.com/conneroisu/attitude/internal/errors"
)

// Well-known context values.
const (
	// ValueListing holds the raw directory listing at post:parse.
	ValueListing = "listing"
	// ValueBundler holds the bundler configuration at apply and post:apply.
	ValueBundler = "bundler"
	// ValueRoutes holds the ordered route table at setup:route.
	ValueRoutes = "routes"
	// ValueTree holds the parsed tree at load and the compile phases.
	ValueTree = "tree"
)

// Context is the versioned value passed through one phase. Each handler gets
// its own copy; writes made through Set are merged into the next version once
// every handler of the phase returned.
type Context struct {
	Phase   Phase
	Version int
	// Page is the page being processed, nil for tree-wide phases.
	Page   any
	Values map[string]any

	writes map[string]any
}

// NewContext creates a version zero context.
func NewContext(page any, values map[string]any) *Context {
	if values == nil {
		values = make(map[string]any)
	}
	return &Context{Page: page, Values: values}
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Set writes key. The write becomes visible to other handlers only in the
// next version of the context.
func (c *Context) Set(key string, value any) {
	if c.writes == nil {
		c.writes = make(map[string]any)
	}
	c.writes[key] = value
	c.Values[key] = value
}

// Listing returns the directory listing stored at post:parse.
func (c *Context) Listing() []string {
	if l, ok := c.Values[ValueListing].([]string); ok {
		return l
	}
	return nil
}

// Writes returns the keys written through Set, sorted.
func (c *Context) Writes() []string {
	out := make([]string, 0, len(c.writes))
	for k := range c.writes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fork returns the copy handed to a single handler.
func (c *Context) fork() *Context {
	return &Context{
		Phase:   c.Phase,
		Version: c.Version,
		Page:    c.Page,
		Values:  maps.Clone(c.Values),
	}
}

// merge folds the writes of every fork into the next version of c.
func (c *Context) merge(phase Phase, forks []*Context) (*Context, error) {
	next := &Context{
		Phase:   phase,
		Version: c.Version + 1,
		Page:    c.Page,
		Values:  maps.Clone(c.Values),
	}
	if next.Values == nil {
		next.Values = make(map[string]any)
	}

	written := make(map[string]any)
	for _, f := range forks {
		for key, v := range f.writes {
			if prev, ok := written[key]; ok && !reflect.DeepEqual(prev, v) {
				return nil, atterrors.ConflictingWrite(string(phase), key)
			}
			written[key] = v
			next.Values[key] = v
		}
	}
	return next, nil
}
