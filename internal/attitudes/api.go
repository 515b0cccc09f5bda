// Package attitudes hosts the extensions that contribute keys, file matchers
// and hook handlers. Each attitude receives an API facade bound to its name;
// the facade is the only way it reaches the registries.
package attitudes

import (
	"github.com/conneroisu/attitude/internal/hooks"
	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/pageconfig"
)

// Info is the read-only framework information exposed to attitudes.
type Info struct {
	Root       string
	Dist       string
	Public     string
	Mode       string
	Production bool
	Version    string
}

// API is the capability-limited facade handed to an attitude.
type API interface {
	RegisterKey(def keys.Definition) error
	RegisterFile(name, pattern string, opts keys.FileOptions) error
	RegisterFiles(name, pattern string, opts keys.FileOptions) error
	// Hook registers fn for phase on behalf of the attitude.
	Hook(phase hooks.Phase, fn hooks.Handler) error
	Unhook(phase hooks.Phase) error
	LoadCustom(path string) (map[string]any, error)
	Info() Info
	Logger() logging.Logger
}

// Attitude is an extension entry point. It runs once per process.
type Attitude func(api API) error

type facade struct {
	name       string
	registry   *keys.Registry
	dispatcher *hooks.Dispatcher
	loader     *pageconfig.Loader
	info       Info
	logger     logging.Logger
}

func (f *facade) RegisterKey(def keys.Definition) error {
	return f.registry.Register(def)
}

func (f *facade) RegisterFile(name, pattern string, opts keys.FileOptions) error {
	return f.registry.RegisterFile(name, pattern, opts)
}

func (f *facade) RegisterFiles(name, pattern string, opts keys.FileOptions) error {
	return f.registry.RegisterFiles(name, pattern, opts)
}

func (f *facade) Hook(phase hooks.Phase, fn hooks.Handler) error {
	return f.dispatcher.Hook(phase, f.name, fn)
}

func (f *facade) Unhook(phase hooks.Phase) error {
	return f.dispatcher.Unhook(phase, f.name)
}

func (f *facade) LoadCustom(path string) (map[string]any, error) {
	return f.loader.LoadCustom(path)
}

func (f *facade) Info() Info {
	return f.info
}

func (f *facade) Logger() logging.Logger {
	return f.logger
}
