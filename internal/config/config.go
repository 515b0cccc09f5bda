// Package config provides configuration management for attitude using Viper
// for flexible loading from files, environment variables, and command-line
// flags.
//
// The configuration system supports YAML files (.attitude.yml), a .env file
// loaded through godotenv, environment variable overrides with the ATTITUDE_
// prefix, and validation. It covers the pages root and distribution layout,
// the page tree parser defaults, the change aggregator, the development
// server, extension discovery and the bundler.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Config struct {
	Root       string           `mapstructure:"root"`
	Dist       string           `mapstructure:"dist"`
	PublicDir  string           `mapstructure:"public_dir"`
	Mode       string           `mapstructure:"mode"`
	Pages      PagesConfig      `mapstructure:"pages"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Server     ServerConfig     `mapstructure:"server"`
	Extensions ExtensionsConfig `mapstructure:"extensions"`
	Bundler    BundlerConfig    `mapstructure:"bundler"`
	Log        LogConfig        `mapstructure:"log"`
}

type PagesConfig struct {
	Ignore      []string `mapstructure:"ignore"`
	NoWatch     []string `mapstructure:"no_watch"`
	ConfigFiles []string `mapstructure:"config_files"`
	Focus       string   `mapstructure:"focus"`
	Delimiter   string   `mapstructure:"delimiter"`
	Shared      string   `mapstructure:"shared"`
}

type WatchConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AggregateTimeout time.Duration `mapstructure:"aggregate_timeout"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	LiveReload      bool          `mapstructure:"live_reload"`
	Metrics         bool          `mapstructure:"metrics"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ExtensionsConfig struct {
	Dir      string   `mapstructure:"dir"`
	Enabled  []string `mapstructure:"enabled"`
	Disabled []string `mapstructure:"disabled"`
}

type BundlerConfig struct {
	Command   string `mapstructure:"command"`
	CacheSize int    `mapstructure:"cache_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Production reports whether pages are served from the build output.
func (c *Config) Production() bool {
	return c.Mode == ModeProduction
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", "./pages")
	v.SetDefault("dist", "./dist")
	v.SetDefault("public_dir", "public")
	v.SetDefault("mode", ModeDevelopment)

	v.SetDefault("pages.ignore", []string{"^_", "^node_modules$"})
	v.SetDefault("pages.no_watch", []string{})
	v.SetDefault("pages.config_files", []string{".page", ".page.json", ".page.yaml", ".page.yml", ".page.hcl"})
	v.SetDefault("pages.focus", "")
	v.SetDefault("pages.delimiter", ".")
	v.SetDefault("pages.shared", "_shared")

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.aggregate_timeout", 300*time.Millisecond)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.live_reload", true)
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("extensions.dir", "./attitudes")
	v.SetDefault("extensions.enabled", []string{})
	v.SetDefault("extensions.disabled", []string{})

	v.SetDefault("bundler.command", "")
	v.SetDefault("bundler.cache_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadEnv loads .env style files into the process environment. Missing files
// are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applying defaults for unset
// values, resolving paths to absolute form and validating the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := config.resolvePaths(); err != nil {
		return nil, err
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) resolvePaths() error {
	var err error
	if c.Root, err = filepath.Abs(c.Root); err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}
	if c.Dist, err = filepath.Abs(c.Dist); err != nil {
		return fmt.Errorf("resolving dist: %w", err)
	}
	if c.Extensions.Dir != "" {
		if c.Extensions.Dir, err = filepath.Abs(c.Extensions.Dir); err != nil {
			return fmt.Errorf("resolving extensions dir: %w", err)
		}
	}
	c.Pages.Focus = strings.Trim(filepath.ToSlash(c.Pages.Focus), "/")
	return nil
}
