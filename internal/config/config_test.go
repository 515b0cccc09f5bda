package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.Root))
	assert.Equal(t, "pages", filepath.Base(cfg.Root))
	assert.Equal(t, "dist", filepath.Base(cfg.Dist))
	assert.Equal(t, "public", cfg.PublicDir)
	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.False(t, cfg.Production())
	assert.Equal(t, []string{"^_", "^node_modules$"}, cfg.Pages.Ignore)
	assert.Equal(t, ".", cfg.Pages.Delimiter)
	assert.Contains(t, cfg.Pages.ConfigFiles, ".page")
	assert.Equal(t, 300*time.Millisecond, cfg.Watch.AggregateTimeout)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Bundler.CacheSize)
}

func TestLoadOverrides(t *testing.T) {
	v := viper.New()
	v.Set("mode", ModeProduction)
	v.Set("watch.aggregate_timeout", "50ms")
	v.Set("pages.focus", "/blog/post1/")
	v.Set("pages.ignore", []string{"^drafts$"})
	v.Set("server.port", 0)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, 50*time.Millisecond, cfg.Watch.AggregateTimeout)
	assert.Equal(t, "blog/post1", cfg.Pages.Focus)
	assert.Equal(t, []string{"^drafts$"}, cfg.Pages.Ignore)
	assert.Equal(t, 0, cfg.Server.Port)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".attitude.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
root: ./site
mode: production
pages:
  delimiter: "-"
  no_watch: ["\\.tmp$"]
server:
  port: 9090
`), 0o644))

	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "site", filepath.Base(cfg.Root))
	assert.Equal(t, "-", cfg.Pages.Delimiter)
	assert.Equal(t, []string{`\.tmp$`}, cfg.Pages.NoWatch)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad mode", func(c *Config) { c.Mode = "staging" }},
		{"bad regex", func(c *Config) { c.Pages.Ignore = []string{"("} }},
		{"empty delimiter", func(c *Config) { c.Pages.Delimiter = "" }},
		{"slash delimiter", func(c *Config) { c.Pages.Delimiter = "/" }},
		{"zero timeout", func(c *Config) { c.Watch.AggregateTimeout = 0 }},
		{"config name without dot", func(c *Config) { c.Pages.ConfigFiles = []string{"page.json"} }},
		{"dist equals root", func(c *Config) { c.Dist = c.Root }},
		{"dangerous host", func(c *Config) { c.Server.Host = "localhost;rm" }},
		{"nested public dir", func(c *Config) { c.PublicDir = "a/b" }},
		{"focus traversal", func(c *Config) { c.Pages.Focus = "../etc" }},
		{"empty attitude name", func(c *Config) { c.Extensions.Enabled = []string{""} }},
		{"attitude name with dot", func(c *Config) { c.Extensions.Disabled = []string{"core.v2"} }},
		{"enabled and disabled", func(c *Config) {
			c.Extensions.Enabled = []string{"routes"}
			c.Extensions.Disabled = []string{"routes"}
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadFrom(viper.New())
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ATTITUDE_TEST_VALUE=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("ATTITUDE_TEST_VALUE") })

	require.NoError(t, LoadEnv(envFile))
	assert.Equal(t, "from-dotenv", os.Getenv("ATTITUDE_TEST_VALUE"))

	assert.NoError(t, LoadEnv(filepath.Join(dir, "missing.env")))
}

func TestCompilePatterns(t *testing.T) {
	res, err := CompilePatterns([]string{"^_", `\.bak$`})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].MatchString("_drafts"))

	_, err = CompilePatterns([]string{"["})
	assert.Error(t, err)
}
