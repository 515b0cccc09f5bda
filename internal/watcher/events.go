// Package watcher aggregates raw filesystem events into debounced batches.
// The Aggregator implements the bundler watch API and tells the rebuild
// orchestrator whether a batch changed file contents or the file topology.
package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// EventType classifies a raw filesystem event.
type EventType int

const (
	EventAdd EventType = iota
	EventAddDir
	EventChange
	EventUnlink
	EventUnlinkDir
	// EventDelete is an explicit deletion requested by the bundler.
	EventDelete
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventAdd:
		return "add"
	case EventAddDir:
		return "addDir"
	case EventChange:
		return "change"
	case EventUnlink:
		return "unlink"
	case EventUnlinkDir:
		return "unlinkDir"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// IsRemoval reports whether the event removes its path.
func (e EventType) IsRemoval() bool {
	return e == EventUnlink || e == EventUnlinkDir || e == EventDelete
}

// IsAddition reports whether the event creates its path.
func (e EventType) IsAddition() bool {
	return e == EventAdd || e == EventAddDir
}

// IsDir reports whether the event concerns a directory.
func (e EventType) IsDir() bool {
	return e == EventAddDir || e == EventUnlinkDir
}

// Event is one raw filesystem event.
type Event struct {
	Type    EventType
	Path    string
	ModTime time.Time
}

// EventSink receives raw events.
type EventSink interface {
	Push(ev Event)
}

// Batch is the result of one tick.
type Batch struct {
	Tick     uint64
	Changes  []string
	Removals []string
	Added    []string
	Dirs     []string
	Mtimes   map[string]time.Time
	// Hard is set when files were added or removed.
	Hard bool
}

// Paths returns the union of changes and removals.
func (b Batch) Paths() []string {
	out := make([]string, 0, len(b.Changes)+len(b.Removals))
	out = append(out, b.Changes...)
	return append(out, b.Removals...)
}

// Empty reports whether the batch touched nothing.
func (b Batch) Empty() bool {
	return len(b.Changes) == 0 && len(b.Removals) == 0
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}
