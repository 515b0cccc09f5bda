package attitudes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"sort"
	"strings"
	"sync"

	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/hooks"
	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/pageconfig"
)

// SymbolName is the symbol a Go plugin extension must export.
const SymbolName = "Attitude"

// Catalog maps attitude names to entry points in registration order.
type Catalog struct {
	mu      sync.RWMutex
	names   []string
	entries map[string]Attitude
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Attitude)}
}

// Builtins returns a catalog holding the built-in attitudes.
func Builtins() *Catalog {
	c := NewCatalog()
	_ = c.Register(NameCore, Core)
	_ = c.Register(NameController, Controller)
	_ = c.Register(NameRoutes, Routes)
	_ = c.Register(NameManifest, Manifest)
	return c
}

// Register adds an attitude under name.
func (c *Catalog) Register(name string, fn Attitude) error {
	if name == "" || fn == nil {
		return atterrors.NewRegistrationError("BAD_ATTITUDE", "attitude needs a name and an entry point")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return atterrors.NewRegistrationError("DUPLICATE_ATTITUDE", fmt.Sprintf("attitude %s already registered", name))
	}
	c.names = append(c.names, name)
	c.entries[name] = fn
	return nil
}

// Names returns the registered names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.names)
}

// Lookup returns the attitude registered under name.
func (c *Catalog) Lookup(name string) (Attitude, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.entries[name]
	return fn, ok
}

// Host installs attitudes into one registry and dispatcher pair.
type Host struct {
	Registry   *keys.Registry
	Dispatcher *hooks.Dispatcher
	Loader     *pageconfig.Loader
	Info       Info
	logger     logging.Logger

	mu        sync.Mutex
	installed []string
}

// NewHost creates a host over the given registries.
func NewHost(registry *keys.Registry, dispatcher *hooks.Dispatcher, loader *pageconfig.Loader, info Info, logger logging.Logger) *Host {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Host{
		Registry:   registry,
		Dispatcher: dispatcher,
		Loader:     loader,
		Info:       info,
		logger:     logger.WithComponent("attitudes"),
	}
}

// Apply runs one attitude with a facade bound to name. Registration errors
// are programmer errors and are returned as is.
func (h *Host) Apply(name string, fn Attitude) (err error) {
	h.mu.Lock()
	if slices.Contains(h.installed, name) {
		h.mu.Unlock()
		return atterrors.NewRegistrationError("DUPLICATE_ATTITUDE", fmt.Sprintf("attitude %s already installed", name))
	}
	h.mu.Unlock()

	api := &facade{
		name:       name,
		registry:   h.Registry,
		dispatcher: h.Dispatcher,
		loader:     h.Loader,
		info:       h.Info,
		logger:     h.logger.WithComponent(name),
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = atterrors.NewInternalError("ATTITUDE_PANIC", fmt.Sprintf("attitude %s panicked: %v", name, rec), nil)
		}
	}()
	if err := fn(api); err != nil {
		return err
	}

	h.mu.Lock()
	h.installed = append(h.installed, name)
	h.mu.Unlock()
	return nil
}

// Install applies the catalog entries selected by enabled and disabled.
// An empty enabled list selects every entry.
func (h *Host) Install(c *Catalog, enabled, disabled []string) error {
	for _, name := range enabled {
		if _, ok := c.Lookup(name); !ok {
			return atterrors.NewConfigError("UNKNOWN_ATTITUDE", fmt.Sprintf("attitude %s is not known", name), nil)
		}
	}

	for _, name := range c.Names() {
		if len(enabled) > 0 && !slices.Contains(enabled, name) {
			continue
		}
		if slices.Contains(disabled, name) {
			h.logger.Debug(context.Background(), "attitude disabled", "attitude", name)
			continue
		}
		fn, _ := c.Lookup(name)
		if err := h.Apply(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Installed returns the names of the installed attitudes.
func (h *Host) Installed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.installed)
}

// LoadExtensions opens every *.so Go plugin in dir and applies its exported
// Attitude. Extensions whose symbol is missing or not an Attitude are logged
// and skipped; a missing dir loads nothing.
func (h *Host) LoadExtensions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, atterrors.NewIOError("EXTENSIONS_DIR", "read extensions directory", err).WithPath(dir)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".so") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var loaded []string
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".so")
		fn, err := openExtension(file)
		if err != nil {
			h.logger.Warn(context.Background(), err, "skipping extension", "path", file)
			continue
		}
		if err := h.Apply(name, fn); err != nil {
			return loaded, err
		}
		loaded = append(loaded, name)
	}
	return loaded, nil
}

func openExtension(file string) (Attitude, error) {
	p, err := plugin.Open(file)
	if err != nil {
		return nil, atterrors.NotCallable(file, err)
	}
	sym, err := p.Lookup(SymbolName)
	if err != nil {
		return nil, atterrors.NotCallable(file, err)
	}
	return asAttitude(file, sym)
}

// asAttitude accepts a function or a variable holding one.
func asAttitude(file string, sym any) (Attitude, error) {
	switch fn := sym.(type) {
	case func(API) error:
		return fn, nil
	case *func(API) error:
		if fn != nil && *fn != nil {
			return *fn, nil
		}
	case Attitude:
		return fn, nil
	case *Attitude:
		if fn != nil && *fn != nil {
			return *fn, nil
		}
	}
	return nil, atterrors.NotCallable(file, fmt.Errorf("symbol %s has type %T", SymbolName, sym))
}
