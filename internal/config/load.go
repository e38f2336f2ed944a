package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides. Secrets belong here rather
// than in a world-readable config file.
const (
	EnvConfig        = "INTERMAP_CONFIG"
	EnvDatabasePath  = "INTERMAP_DB_PATH"
	EnvListen        = "INTERMAP_LISTEN"
	EnvWebhookSecret = "INTERMAP_WEBHOOK_SECRET"
	EnvClientSecret  = "INTERMAP_CLIENT_SECRET"
	EnvRefreshToken  = "INTERMAP_REFRESH_TOKEN"
)

// Load reads and parses a TOML config file, applies environment overrides,
// validates, and returns the resulting Config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults plus environment overrides. This supports
// the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)

		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: validation failed: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}

// applyEnvOverrides layers environment variables over the decoded file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDatabasePath); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv(EnvListen); v != "" {
		cfg.Server.Listen = v
	}

	if v := os.Getenv(EnvWebhookSecret); v != "" {
		cfg.Server.WebhookSecret = v
	}

	if v := os.Getenv(EnvClientSecret); v != "" {
		cfg.Provider.ClientSecret = v
	}

	if v := os.Getenv(EnvRefreshToken); v != "" {
		cfg.Provider.RefreshToken = v
	}
}

// Validate checks field formats and ranges. Empty provider credentials are
// allowed: the serve command runs webhook-only without a poll client.
func Validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return errors.New("config: database.path must not be empty")
	}

	if cfg.Sync.Workers <= 0 {
		return fmt.Errorf("config: sync.workers must be positive, got %d", cfg.Sync.Workers)
	}

	if cfg.Sync.MaxRetries < 0 {
		return fmt.Errorf("config: sync.max_retries must not be negative, got %d", cfg.Sync.MaxRetries)
	}

	for _, d := range []struct {
		name, value string
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"sync.retry_base", cfg.Sync.RetryBase},
		{"sync.window", cfg.Sync.Window},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("config: %s: invalid duration %q", d.name, d.value)
		}
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.log_level: unknown level %q", cfg.Logging.LogLevel)
	}

	return nil
}

// Duration returns a parsed duration field. Call only after Validate.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
