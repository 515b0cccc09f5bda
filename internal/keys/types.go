// Package keys implements the key registry: typed configuration slots that
// every page of the tree carries, their inheritance rules, the file matchers
// that bind discovered files into them, and the resolution of each key to a
// source path and a distribution path.
//
// A Registry is an explicit object. Nothing here is package-level state, so
// several isolated registries can live in one process.
package keys

import (
	"path/filepath"
	"regexp"
)

// Type is the kind of value a key holds. It never changes after registration.
type Type int

const (
	// TypeValue is a plain value.
	TypeValue Type = iota
	// TypePath is a path relative to the pages root.
	TypePath
	// TypeFile is the single file matched in the page directory.
	TypeFile
	// TypeFiles is every file matched in the page directory.
	TypeFiles
	// TypeCustom is an arbitrary value owned by an attitude.
	TypeCustom
	// TypePagePath is a path relative to the page directory.
	TypePagePath
	// TypeResolved is a path computed when the key is applied to a page.
	TypeResolved
)

// String returns the string representation of the Type
func (t Type) String() string {
	switch t {
	case TypeValue:
		return "value"
	case TypePath:
		return "path"
	case TypeFile:
		return "file"
	case TypeFiles:
		return "files"
	case TypeCustom:
		return "custom"
	case TypePagePath:
		return "page-path"
	case TypeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// IsFile reports whether keys of this type are filled by file matchers.
func (t Type) IsFile() bool {
	return t == TypeFile || t == TypeFiles
}

// EntryKind controls where a key's content lands in the build output.
type EntryKind int

const (
	// EntryNone keys have no build output.
	EntryNone EntryKind = iota
	// EntryStatic keys are copied to the public tree, mirroring the page path.
	EntryStatic
	// EntryDynamic keys are written to a per-page, per-key file under dist.
	EntryDynamic
)

// String returns the string representation of the EntryKind
func (e EntryKind) String() string {
	switch e {
	case EntryNone:
		return "none"
	case EntryStatic:
		return "static"
	case EntryDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Scope describes the page a key is applied to or resolved for.
type Scope struct {
	// Root is the absolute pages root.
	Root string
	// Dist is the absolute build output directory.
	Dist string
	// Public is the sub-directory of Dist holding static entries.
	Public string
	// RelPath is the page path relative to Root, slash separated, "" for the root page.
	RelPath string
	// EntryName is the bundler entry name of the page.
	EntryName string
}

// Dir returns the absolute page directory.
func (s Scope) Dir() string {
	return filepath.Join(s.Root, filepath.FromSlash(s.RelPath))
}

// ResolveFunc computes the default of a TypeResolved key.
type ResolveFunc func(scope Scope) any

// Definition declares a key.
type Definition struct {
	Name      string
	Type      Type
	Default   any
	Inherited bool
	IsConfig  bool
	Entry     EntryKind
	// DistExt overrides the extension of dynamic entry outputs, e.g. ".html"
	// for a markdown source.
	DistExt string
	Resolve ResolveFunc
}

// MatchCallback runs after a matcher assigned file into k.
type MatchCallback func(k *Key, file *FileInfo, scope Scope) error

// Matcher binds files whose base name matches Pattern into the key named Key.
type Matcher struct {
	Key      string
	Pattern  *regexp.Regexp
	Callback MatchCallback
	priority int
}

// Priority is the registration index; lower values are tested first.
func (m *Matcher) Priority() int {
	return m.priority
}

// Matches reports whether the base name matches the pattern.
func (m *Matcher) Matches(name string) bool {
	return m.Pattern.MatchString(name)
}

// FileOptions configures RegisterFile and RegisterFiles.
type FileOptions struct {
	Inherited bool
	Entry     EntryKind
	DistExt   string
	Callback  MatchCallback
}
