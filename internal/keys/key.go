package keys

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Origin records where a key's current value came from.
type Origin int

const (
	OriginUnset Origin = iota
	OriginDefault
	OriginInherited
	OriginLocal
)

// FileInfo is a file discovered while scanning a page directory.
type FileInfo struct {
	// Path is the absolute path.
	Path string
	// RelPath is the path relative to the pages root, slash separated.
	RelPath string
	// Name is the base name.
	Name string
	// DistPath is the computed output location.
	DistPath string
	// Resolved is the absolute source path.
	Resolved string
}

// Source returns the path content should be read from.
func (f *FileInfo) Source(production bool) string {
	if production && f.DistPath != "" {
		return f.DistPath
	}
	return f.Resolved
}

func (f *FileInfo) clone() *FileInfo {
	c := *f
	return &c
}

// NewFileInfo describes the file name inside the page directory of scope.
func NewFileInfo(scope Scope, name string) *FileInfo {
	rel := name
	if scope.RelPath != "" {
		rel = scope.RelPath + "/" + name
	}
	abs := filepath.Join(scope.Root, filepath.FromSlash(rel))
	return &FileInfo{
		Path:     abs,
		RelPath:  rel,
		Name:     name,
		Resolved: abs,
	}
}

// Key is one key instantiated on one page.
type Key struct {
	def Definition

	mu       sync.RWMutex
	value    any
	files    []*FileInfo
	resolved string
	dist     string
	origin   Origin
}

func newKey(def Definition) *Key {
	return &Key{def: def}
}

// Name returns the key name.
func (k *Key) Name() string { return k.def.Name }

// Type returns the key type.
func (k *Key) Type() Type { return k.def.Type }

// Definition returns a copy of the key definition.
func (k *Key) Definition() Definition { return k.def }

// Get returns the current value. For file keys this is the first matched
// file (TypeFile) or the matched files (TypeFiles).
func (k *Key) Get() any {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.value
}

// String returns the value formatted for display.
func (k *Key) String() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	switch k.def.Type {
	case TypeFile:
		if len(k.files) == 0 {
			return ""
		}
		return k.files[0].RelPath
	case TypeFiles:
		names := make([]string, 0, len(k.files))
		for _, f := range k.files {
			names = append(names, f.RelPath)
		}
		return strings.Join(names, ",")
	}
	if k.value == nil {
		return ""
	}
	return fmt.Sprint(k.value)
}

// Set assigns a page-local value.
func (k *Key) Set(v any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.value = v
	k.origin = OriginLocal
	if k.def.Type.IsFile() {
		k.files = nil
		switch f := v.(type) {
		case *FileInfo:
			k.files = []*FileInfo{f}
		case []*FileInfo:
			k.files = append(k.files, f...)
		}
	}
}

// IsSet reports whether the key holds a value from any origin.
func (k *Key) IsSet() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.origin != OriginUnset
}

// Origin reports where the current value came from.
func (k *Key) Origin() Origin {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.origin
}

// Files returns the matched files.
func (k *Key) Files() []*FileInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*FileInfo, len(k.files))
	copy(out, k.files)
	return out
}

// Resolved returns the absolute source path, or "" for non-path keys.
func (k *Key) Resolved() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.resolved
}

// Dist returns the location of the key inside the build output, or "".
func (k *Key) Dist() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.dist
}

// Source returns the path to read: the build output in production, the
// source in development.
func (k *Key) Source(production bool) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if production && k.dist != "" {
		return k.dist
	}
	return k.resolved
}

// Assign binds a matched file. TypeFile keys keep the latest file only,
// TypeFiles keys append. The file is resolved immediately.
func (k *Key) Assign(file *FileInfo, scope Scope) error {
	if !k.def.Type.IsFile() {
		return fmt.Errorf("key %s of type %s cannot hold files", k.def.Name, k.def.Type)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.origin != OriginLocal {
		k.files = nil
	}
	k.origin = OriginLocal

	file.Resolved = file.Path
	file.DistPath = k.distFor(file.Resolved, scope, len(k.files))

	if k.def.Type == TypeFile {
		k.files = []*FileInfo{file}
		k.value = file
		k.resolved = file.Resolved
		k.dist = file.DistPath
		return nil
	}

	k.files = append(k.files, file)
	k.value = append([]*FileInfo(nil), k.files...)
	return nil
}

// ResolvePaths computes the resolved source path and the distribution path.
// Inherited values keep the paths resolved on the ancestor that set them.
func (k *Key) ResolvePaths(scope Scope) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.origin == OriginInherited || k.origin == OriginUnset {
		return
	}

	switch k.def.Type {
	case TypePath, TypeResolved:
		s, ok := k.value.(string)
		if !ok || s == "" {
			return
		}
		if filepath.IsAbs(s) {
			k.resolved = filepath.Clean(s)
		} else {
			k.resolved = filepath.Join(scope.Root, filepath.FromSlash(s))
		}
	case TypePagePath:
		s, ok := k.value.(string)
		if !ok || s == "" {
			return
		}
		k.resolved = filepath.Join(scope.Dir(), filepath.FromSlash(s))
	case TypeFile:
		if len(k.files) == 0 {
			return
		}
		k.resolved = k.files[0].Resolved
	default:
		return
	}

	k.dist = k.distFor(k.resolved, scope, 0)
	if k.def.Type == TypeFile && len(k.files) > 0 {
		k.files[0].DistPath = k.dist
	}
}

// Relocate recomputes distribution paths after the page's entry name changed.
// Inherited values keep the ancestor's paths.
func (k *Key) Relocate(scope Scope) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.origin == OriginInherited || k.origin == OriginUnset {
		return
	}
	for i, f := range k.files {
		f.DistPath = k.distFor(f.Resolved, scope, i)
	}
	switch {
	case k.def.Type == TypeFile && len(k.files) > 0:
		k.dist = k.files[0].DistPath
	case k.resolved != "":
		k.dist = k.distFor(k.resolved, scope, 0)
	}
}

// distFor maps a resolved source path to its build output location.
func (k *Key) distFor(resolved string, scope Scope, index int) string {
	if resolved == "" {
		return ""
	}
	switch k.def.Entry {
	case EntryStatic:
		return filepath.Join(scope.Dist, scope.Public, filepath.FromSlash(scope.RelPath), filepath.Base(resolved))
	case EntryDynamic:
		ext := k.def.DistExt
		if ext == "" {
			ext = filepath.Ext(resolved)
		}
		name := scope.EntryName + "." + k.def.Name
		if k.def.Type == TypeFiles {
			name = fmt.Sprintf("%s.%d", name, index)
		}
		return filepath.Join(scope.Dist, name+ext)
	default:
		return ""
	}
}

type keyState struct {
	value    any
	files    []*FileInfo
	resolved string
	dist     string
	origin   Origin
}

func (k *Key) snapshot() keyState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return keyState{
		value:    k.value,
		files:    append([]*FileInfo(nil), k.files...),
		resolved: k.resolved,
		dist:     k.dist,
		origin:   k.origin,
	}
}

func (k *Key) restore(s keyState) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.value = s.value
	k.files = s.files
	k.resolved = s.resolved
	k.dist = s.dist
	k.origin = s.origin
}

// Clone returns a deep copy of k that shares no files or slices with it.
func (k *Key) Clone() *Key {
	c := newKey(k.def)
	c.inherit(k)
	k.mu.RLock()
	c.origin = k.origin
	k.mu.RUnlock()
	return c
}

// inherit copies the value and resolved paths of parent.
func (k *Key) inherit(parent *Key) {
	parent.mu.RLock()
	defer parent.mu.RUnlock()

	k.value = cloneValue(parent.value)
	k.files = make([]*FileInfo, 0, len(parent.files))
	for _, f := range parent.files {
		k.files = append(k.files, f.clone())
	}
	if k.def.Type == TypeFile && len(k.files) > 0 {
		k.value = k.files[0]
	} else if k.def.Type == TypeFiles {
		k.value = append([]*FileInfo(nil), k.files...)
	}
	k.resolved = parent.resolved
	k.dist = parent.dist
	k.origin = OriginInherited
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		return append([]any(nil), t...)
	case map[string]any:
		m := make(map[string]any, len(t))
		for key, val := range t {
			m[key] = val
		}
		return m
	default:
		return v
	}
}
