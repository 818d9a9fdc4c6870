package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "containerd", cfg.Driver.Type)
	assert.Equal(t, "shipyard", cfg.Driver.Namespace)
	assert.True(t, cfg.WarmPool.Enabled)
	assert.NotNil(t, cfg.GetProfile("python-default"))
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  addr: ":9090"
driver:
  type: memory
profiles:
  - id: custom
    image: example/agent:1
    capabilities: [python, shell]
    warm_pool_size: 2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	t.Setenv("SHIPYARD_LOG_LEVEL", "debug")
	t.Setenv("SHIPYARD_DRIVER_TYPE", "containerd")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	// Env wins over file.
	assert.Equal(t, "containerd", cfg.Driver.Type)
	assert.Equal(t, "debug", cfg.Log.Level)

	p := cfg.GetProfile("custom")
	require.NotNil(t, p)
	assert.Equal(t, "example/agent:1", p.Image)
	// Defaults backfilled by Validate.
	assert.Equal(t, 8000, p.RuntimePort)
	assert.Equal(t, int64(256), p.PidsLimit)
	assert.Equal(t, 30*time.Minute, p.IdleTimeout)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no profiles", func(c *Config) { c.Profiles = nil }},
		{"missing id", func(c *Config) { c.Profiles[0].ID = "" }},
		{"missing image", func(c *Config) { c.Profiles[0].Image = "" }},
		{"duplicate id", func(c *Config) { c.Profiles = append(c.Profiles, c.Profiles[0]) }},
		{"bad drop policy", func(c *Config) { c.WarmPool.DropPolicy = "drop_random" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWarmProfiles(t *testing.T) {
	cfg := Default()
	cfg.Profiles = append(cfg.Profiles, Profile{ID: "warm", Image: "x", WarmPoolSize: 3})
	require.NoError(t, cfg.Validate())

	warm := cfg.WarmProfiles()
	require.Len(t, warm, 1)
	assert.Equal(t, "warm", warm[0].ID)
}

func TestHasCapability(t *testing.T) {
	p := Profile{Capabilities: []string{"python", "shell"}}
	assert.True(t, p.HasCapability("python"))
	assert.False(t, p.HasCapability("browser"))
}
