package cmd

import (
	"context"
	"fmt"

	"github.com/conneroisu/attitude/internal/attitudes"
	"github.com/conneroisu/attitude/internal/bundler"
	"github.com/conneroisu/attitude/internal/config"
	"github.com/conneroisu/attitude/internal/hooks"
	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/pageconfig"
	"github.com/conneroisu/attitude/internal/pagetree"
	"github.com/conneroisu/attitude/internal/rebuild"
	"github.com/conneroisu/attitude/internal/version"
)

// app holds the process-wide pieces every command shares.
type app struct {
	cfg     *config.Config
	logger  logging.Logger
	host    *attitudes.Host
	parser  *pagetree.Parser
	bundler *bundler.FileBundler
}

func newApp(cfg *config.Config, logger logging.Logger) (*app, error) {
	loader, err := pageconfig.NewLoader(cfg.Bundler.CacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("creating config loader: %w", err)
	}

	info := attitudes.Info{
		Root:       cfg.Root,
		Dist:       cfg.Dist,
		Public:     cfg.PublicDir,
		Mode:       cfg.Mode,
		Production: cfg.Production(),
		Version:    version.GetVersion(),
	}
	host := attitudes.NewHost(keys.NewRegistry(), hooks.NewDispatcher(logger), loader, info, logger)
	if err := host.Install(attitudes.Builtins(), cfg.Extensions.Enabled, cfg.Extensions.Disabled); err != nil {
		return nil, err
	}
	if cfg.Extensions.Dir != "" {
		loaded, err := host.LoadExtensions(cfg.Extensions.Dir)
		if err != nil {
			return nil, err
		}
		if len(loaded) > 0 {
			logger.Info(context.Background(), "extensions loaded", "names", loaded)
		}
	}

	parser, err := pagetree.NewParser(pagetree.OptionsFromConfig(cfg), host.Registry, host.Dispatcher, loader, logger)
	if err != nil {
		return nil, err
	}
	fb, err := bundler.NewFileBundler(bundler.FileBundlerOptions{Command: cfg.Bundler.Command, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, host: host, parser: parser, bundler: fb}, nil
}

// orchestrator fills the shared collaborators into opts.
func (a *app) orchestrator(opts rebuild.Options) (*rebuild.Orchestrator, error) {
	opts.Parser = a.parser
	opts.Dispatcher = a.host.Dispatcher
	opts.Loader = a.host.Loader
	opts.Bundler = a.bundler
	opts.Logger = a.logger
	opts.Production = a.cfg.Production()
	opts.ReparseFiles = attitudes.ControllerFiles
	return rebuild.New(opts)
}

// documents are the keys a page answers with.
var documents = []string{attitudes.KeyTemplate, attitudes.KeyMarkdown}
