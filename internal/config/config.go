// Package config implements TOML configuration loading for intermap with a
// three-layer override chain: defaults -> config file -> environment.
// Secrets (webhook secret, OAuth client secret, refresh token) are usually
// supplied through the environment rather than the file.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Provider ProviderConfig `toml:"provider"`
	Identity IdentityConfig `toml:"identity"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen          string `toml:"listen"`
	WebhookSecret   string `toml:"webhook_secret"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ProviderConfig configures the time-tracking provider client and its
// OAuth2 refresh-token grant.
type ProviderConfig struct {
	BaseURL      string `toml:"base_url"`
	TokenURL     string `toml:"token_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
}

// IdentityConfig pins the tenant context this instance reconciles for.
type IdentityConfig struct {
	TenantID       string `toml:"tenant_id"`
	OrganizationID string `toml:"organization_id"`
	IntegrationID  string `toml:"integration_id"`
}

// SyncConfig tunes batch concurrency, retry behavior, and the default poll
// window for auto-sync passes.
type SyncConfig struct {
	Workers    int    `toml:"workers"`
	MaxRetries int    `toml:"max_retries"`
	RetryBase  string `toml:"retry_base"`
	Window     string `toml:"window"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// Default values. Layer 0 of the override chain: safe starting points that
// work without any config file.
const (
	defaultListen          = ":8080"
	defaultShutdownTimeout = "30s"
	defaultDatabasePath    = "intermap.db"
	defaultWorkers         = 4
	defaultMaxRetries      = 3
	defaultRetryBase       = "100ms"
	defaultWindow          = "24h"
	defaultLogLevel        = "info"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          defaultListen,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath,
		},
		Sync: SyncConfig{
			Workers:    defaultWorkers,
			MaxRetries: defaultMaxRetries,
			RetryBase:  defaultRetryBase,
			Window:     defaultWindow,
		},
		Logging: LoggingConfig{
			LogLevel: defaultLogLevel,
		},
	}
}
