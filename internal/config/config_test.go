package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "intermap.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "intermap.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = ":9090"

[database]
path = "/var/lib/intermap/db.sqlite"

[identity]
tenant_id = "tenant-1"
organization_id = "org-1"
integration_id = "int-1"

[sync]
workers = 8
window = "6h"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "/var/lib/intermap/db.sqlite", cfg.Database.Path)
	assert.Equal(t, "tenant-1", cfg.Identity.TenantID)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, "6h", cfg.Sync.Window)

	// Untouched sections keep their defaults.
	assert.Equal(t, "30s", cfg.Server.ShutdownTimeout)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Listen, cfg.Server.Listen)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabasePath, "/tmp/env.db")
	t.Setenv(EnvWebhookSecret, "hush")
	t.Setenv(EnvRefreshToken, "refresh-me")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, "hush", cfg.Server.WebhookSecret)
	assert.Equal(t, "refresh-me", cfg.Provider.RefreshToken)
}

func TestEnvBeatsFile(t *testing.T) {
	t.Setenv(EnvListen, ":7070")

	path := writeConfig(t, `
[server]
listen = ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }},
		{"negative retries", func(c *Config) { c.Sync.MaxRetries = -1 }},
		{"bad duration", func(c *Config) { c.Sync.Window = "soon" }},
		{"bad log level", func(c *Config) { c.Logging.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.Error(t, Validate(cfg))
		})
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeConfig(t, `[server`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 6*time.Hour, Duration("6h"))
}
