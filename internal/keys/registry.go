package keys

import (
	"fmt"
	"regexp"
	"sync"

	atterrors "github.com/conneroisu/attitude/internal/errors"
)

// Registry holds key definitions and file matchers in registration order.
type Registry struct {
	mutex       sync.RWMutex
	definitions []Definition
	index       map[string]int
	matchers    []*Matcher
}

// NewRegistry creates an empty key registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

// Register adds a key definition. Registering a name twice is an error.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return atterrors.NewRegistrationError("EMPTY_KEY", "key name is empty")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.index[def.Name]; exists {
		return atterrors.DuplicateKey(def.Name)
	}

	r.index[def.Name] = len(r.definitions)
	r.definitions = append(r.definitions, def)
	return nil
}

// RegisterFile registers a TypeFile key and a matcher binding the files
// whose base name matches pattern into it.
func (r *Registry) RegisterFile(name, pattern string, opts FileOptions) error {
	return r.registerFileKey(name, pattern, TypeFile, opts)
}

// RegisterFiles registers a TypeFiles key. Every matching file is appended.
func (r *Registry) RegisterFiles(name, pattern string, opts FileOptions) error {
	return r.registerFileKey(name, pattern, TypeFiles, opts)
}

func (r *Registry) registerFileKey(name, pattern string, typ Type, opts FileOptions) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return atterrors.NewRegistrationError("BAD_PATTERN", fmt.Sprintf("key %s: %v", name, err))
	}

	if err := r.Register(Definition{
		Name:      name,
		Type:      typ,
		Inherited: opts.Inherited,
		Entry:     opts.Entry,
		DistExt:   opts.DistExt,
	}); err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.matchers = append(r.matchers, &Matcher{
		Key:      name,
		Pattern:  re,
		Callback: opts.Callback,
		priority: len(r.matchers),
	})
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return Definition{}, false
	}
	return r.definitions[i], true
}

// Definitions returns the definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]Definition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

// Matchers returns the matchers in priority order.
func (r *Registry) Matchers() []*Matcher {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]*Matcher, len(r.matchers))
	copy(out, r.matchers)
	return out
}

// Match returns the first matcher accepting name, or nil. Matchers are not
// chained: the first hit wins.
func (r *Registry) Match(name string) *Matcher {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, m := range r.matchers {
		if m.Matches(name) {
			return m
		}
	}
	return nil
}

// Apply instantiates one Key per definition for the page described by scope.
// Each value is seeded from the parent's key when the definition is
// inherited and the parent holds a value, else from the static default, else
// from Resolve for TypeResolved keys.
func (r *Registry) Apply(scope Scope, parent map[string]*Key) map[string]*Key {
	defs := r.Definitions()
	out := make(map[string]*Key, len(defs))

	for _, def := range defs {
		k := newKey(def)

		if p, ok := parent[def.Name]; ok && def.Inherited && p.IsSet() {
			k.inherit(p)
		} else if def.Default != nil {
			k.value = cloneValue(def.Default)
			k.origin = OriginDefault
		} else if def.Type == TypeResolved && def.Resolve != nil {
			k.value = def.Resolve(scope)
			k.origin = OriginDefault
		}

		out[def.Name] = k
	}

	return out
}

// Bind assigns file into the key targeted by m and runs the matcher callback.
// A panicking callback is reported as an error.
func (r *Registry) Bind(keys map[string]*Key, m *Matcher, file *FileInfo, scope Scope) (err error) {
	k, ok := keys[m.Key]
	if !ok {
		return atterrors.UnknownKey(m.Key)
	}
	before := k.snapshot()
	if err := k.Assign(file, scope); err != nil {
		return err
	}
	if m.Callback == nil {
		return nil
	}

	// A failing callback leaves the key as it was before the match.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("matcher %s panicked: %v", m.Key, rec)
		}
		if err != nil {
			k.restore(before)
		}
	}()
	return m.Callback(k, file, scope)
}
