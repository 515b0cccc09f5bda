package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Validate checks configuration values for correctness.
func Validate(config *Config) error {
	if config.Root == "" {
		return fmt.Errorf("root: empty path")
	}
	if config.Dist == "" {
		return fmt.Errorf("dist: empty path")
	}
	if filepath.Clean(config.Dist) == filepath.Clean(config.Root) {
		return fmt.Errorf("dist must differ from root: %s", config.Dist)
	}

	switch config.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("mode %q is not one of %s, %s", config.Mode, ModeDevelopment, ModeProduction)
	}

	if err := validatePagesConfig(&config.Pages); err != nil {
		return fmt.Errorf("pages config: %w", err)
	}

	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateExtensionsConfig(&config.Extensions); err != nil {
		return fmt.Errorf("extensions config: %w", err)
	}

	if config.Watch.AggregateTimeout <= 0 {
		return fmt.Errorf("watch config: aggregate_timeout must be positive, got %s", config.Watch.AggregateTimeout)
	}

	if config.Bundler.CacheSize <= 0 {
		return fmt.Errorf("bundler config: cache_size must be positive, got %d", config.Bundler.CacheSize)
	}

	if strings.ContainsAny(config.PublicDir, `/\`) || config.PublicDir == "" || config.PublicDir == ".." {
		return fmt.Errorf("public_dir must be a single path segment: %q", config.PublicDir)
	}

	return nil
}

func validatePagesConfig(config *PagesConfig) error {
	if config.Delimiter == "" {
		return fmt.Errorf("delimiter: empty")
	}
	if strings.ContainsAny(config.Delimiter, `/\`) {
		return fmt.Errorf("delimiter contains a path separator: %q", config.Delimiter)
	}

	for _, pattern := range append(append([]string{}, config.Ignore...), config.NoWatch...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}

	if len(config.ConfigFiles) == 0 {
		return fmt.Errorf("config_files: at least one name is required")
	}
	for _, name := range config.ConfigFiles {
		if !strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("config file name %q must be a dot-prefixed base name", name)
		}
	}

	if strings.Contains(config.Focus, "..") {
		return fmt.Errorf("focus path contains traversal: %s", config.Focus)
	}

	return nil
}

func validateServerConfig(config *ServerConfig) error {
	// 0 lets the OS pick a port, which tests rely on.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", config.ShutdownTimeout)
	}

	return nil
}

// CompilePatterns compiles a list of regular expressions.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
