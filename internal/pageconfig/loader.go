package pageconfig

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"time"

	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/logging"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is used when NewLoader is given a non-positive size.
const DefaultCacheSize = 1024

type entry struct {
	modTime time.Time
	size    int64
	value   map[string]any
}

// Loader decodes config files and caches the result per absolute path. A
// cached value is reused only while the file's mtime and size are unchanged.
type Loader struct {
	cache  *lru.Cache[string, entry]
	logger logging.Logger
}

// NewLoader creates a loader holding at most size decoded files.
func NewLoader(size int, logger logging.Logger) (*Loader, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cache, err := lru.New[string, entry](size)
	if err != nil {
		return nil, atterrors.NewInternalError("LOADER_CACHE", "create loader cache", err)
	}
	return &Loader{cache: cache, logger: logger.WithComponent("pageconfig")}, nil
}

// Load decodes the declarative page config at path. A decode failure is
// reported as ErrInvalidPageConfig.
func (l *Loader) Load(path string) (map[string]any, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, atterrors.NewIOError("CONFIG_PATH", "resolve config path", err).WithPath(path)
	}

	info, err := os.Stat(path)
	if err != nil {
		l.cache.Remove(path)
		return nil, atterrors.NewIOError("CONFIG_STAT", "stat config file", err).WithPath(path)
	}

	if e, ok := l.cache.Get(path); ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		return maps.Clone(e.value), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, atterrors.NewIOError("CONFIG_READ", "read config file", err).WithPath(path)
	}

	value, err := Decode(filepath.Base(path), data)
	if err != nil {
		return nil, atterrors.InvalidPageConfig(path, err)
	}

	l.cache.Add(path, entry{modTime: info.ModTime(), size: info.Size(), value: value})
	l.logger.Debug(context.Background(), "decoded config file", "path", path, "keys", len(value))
	return maps.Clone(value), nil
}

// LoadCustom loads an attitude-specific dotfile through the same cache.
func (l *Loader) LoadCustom(path string) (map[string]any, error) {
	return l.Load(path)
}

// Invalidate drops the cached values of paths.
func (l *Loader) Invalidate(paths ...string) {
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		l.cache.Remove(p)
	}
}

// Purge drops every cached value.
func (l *Loader) Purge() {
	l.cache.Purge()
}

// Len returns the number of cached files.
func (l *Loader) Len() int {
	return l.cache.Len()
}
