// Package bundler defines the boundary between the page tree and the asset
// bundler, plus a reference bundler that copies and renders page entries
// into the distribution directory.
package bundler

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/pagetree"
)

// ValueManifest is the hook context value holding the build manifest.
const ValueManifest = "manifest"

// Entry is one file the bundler must produce.
type Entry struct {
	Key    string
	Source string
	Dist   string
	Kind   keys.EntryKind
}

// Config is the bundler configuration of one tree generation.
type Config struct {
	Generation uint64
	Root       string
	Dist       string
	Public     string
	Production bool
	// Entries maps page entry names to their files.
	Entries map[string][]Entry
	// Manifest is written to dist as manifest.json when set.
	Manifest map[string]any
}

// EntryNames returns the entry names in sorted order.
func (c *Config) EntryNames() []string {
	out := make([]string, 0, len(c.Entries))
	for name := range c.Entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sources returns every entry source path.
func (c *Config) Sources() []string {
	var out []string
	for _, name := range c.EntryNames() {
		for _, e := range c.Entries[name] {
			out = append(out, e.Source)
		}
	}
	return out
}

// ConfigFromTree collects the entries of every page. Inherited keys are
// produced once, by the page that set them.
func ConfigFromTree(tree *pagetree.Tree, dist, public string, production bool) *Config {
	cfg := &Config{
		Generation: tree.Generation,
		Dist:       dist,
		Public:     public,
		Production: production,
		Entries:    make(map[string][]Entry),
	}
	if tree.Root != nil {
		cfg.Root = tree.Root.Dir
	}

	_ = tree.Walk(func(p *pagetree.Page) error {
		names := make([]string, 0, len(p.Keys))
		for name := range p.Keys {
			names = append(names, name)
		}
		sort.Strings(names)

		var entries []Entry
		for _, name := range names {
			k := p.Keys[name]
			def := k.Definition()
			if def.Entry == keys.EntryNone || k.Origin() == keys.OriginInherited || !k.IsSet() {
				continue
			}
			if def.Type.IsFile() {
				for _, f := range k.Files() {
					if f.DistPath == "" {
						continue
					}
					entries = append(entries, Entry{Key: name, Source: f.Resolved, Dist: f.DistPath, Kind: def.Entry})
				}
				continue
			}
			if k.Resolved() != "" && k.Dist() != "" {
				entries = append(entries, Entry{Key: name, Source: k.Resolved(), Dist: k.Dist(), Kind: def.Entry})
			}
		}
		if len(entries) > 0 {
			cfg.Entries[p.EntryName] = entries
		}
		return nil
	})
	return cfg
}

// Stats describes one compilation.
type Stats struct {
	Generation uint64
	Copied     int
	Rendered   int
	Skipped    int
	Duration   time.Duration
}

// Bundler compiles a configured generation.
type Bundler interface {
	Configure(cfg *Config) error
	Compile(ctx context.Context) (*Stats, error)
	// Purge drops cached state for paths, or everything when none are given.
	Purge(paths ...string)
	// Inputs returns the files and directories the last compile read.
	Inputs() (files, dirs []string)
}

// WatchCallback receives one aggregated batch.
type WatchCallback func(err error, changes, dirs, removals []string, mtimes map[string]time.Time, added []string)

// UndelayedCallback fires for every raw event before aggregation.
type UndelayedCallback func(path string, mtime time.Time)

// WatchOptions configures a watch registration.
type WatchOptions struct {
	// Ignored patterns are matched against base names.
	Ignored []*regexp.Regexp
}

// Watching is a live watch registration.
type Watching interface {
	Close()
	Pause()
	Resume()
}

// WatchFileSystem is the watch API a bundler uses for incremental builds.
// Registrations are one-shot: the callback fires at most once.
type WatchFileSystem interface {
	Watch(files, dirs, missing []string, startTime time.Time, opts WatchOptions, callback WatchCallback, undelayed UndelayedCallback) Watching
}
