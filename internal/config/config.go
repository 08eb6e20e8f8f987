// Package config loads the FluxDesk configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for FluxDesk.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Sync      SyncConfig      `yaml:"sync"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// BaseURL is the public origin providers redirect and deliver to,
	// for example "https://desk.example.com". OAuth callback and webhook
	// URLs are derived from it.
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// ProvidersConfig holds the per-provider app registrations. A provider is
// registered only when enabled.
type ProvidersConfig struct {
	Microsoft MicrosoftConfig `yaml:"microsoft"`
	Google    GoogleConfig    `yaml:"google"`
	Meta      MetaConfig      `yaml:"meta"`
	IMAP      IMAPConfig      `yaml:"imap"`
}

type MicrosoftConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type GoogleConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type MetaConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`

	// VerifyToken answers Meta's GET verification handshake.
	VerifyToken string `yaml:"verify_token"`
}

type IMAPConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type SyncConfig struct {
	BatchLimit int           `yaml:"batch_limit"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

type JobsConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads and parses the configuration file. Environment variables in
// the file (${VAR} or $VAR) are expanded before parsing so secrets can
// stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Sync.BatchLimit == 0 {
		cfg.Sync.BatchLimit = 100
	}
	if cfg.Sync.RunTimeout == 0 {
		cfg.Sync.RunTimeout = 2 * time.Minute
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 3
	}
	if cfg.Providers.IMAP.DialTimeout == 0 {
		cfg.Providers.IMAP.DialTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required: OAuth callbacks and webhook URLs are derived from it")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server.base_url must be an http(s) origin, got %q", c.Server.BaseURL)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required when database.driver is postgres")
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Providers.Microsoft.Enabled {
		if c.Providers.Microsoft.ClientID == "" || c.Providers.Microsoft.ClientSecret == "" {
			return fmt.Errorf("providers.microsoft requires client_id and client_secret")
		}
	}
	if c.Providers.Google.Enabled {
		if c.Providers.Google.ClientID == "" || c.Providers.Google.ClientSecret == "" {
			return fmt.Errorf("providers.google requires client_id and client_secret")
		}
	}
	if c.Providers.Meta.Enabled {
		if c.Providers.Meta.AppID == "" || c.Providers.Meta.AppSecret == "" {
			return fmt.Errorf("providers.meta requires app_id and app_secret")
		}
		if c.Providers.Meta.VerifyToken == "" {
			return fmt.Errorf("providers.meta requires verify_token for the webhook handshake")
		}
	}
	return nil
}

// RedirectURL returns the OAuth callback URL for the given provider.
func (c *Config) RedirectURL(provider string) string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/oauth/callback/" + provider
}

// WebhookBase returns the base URL webhook callback paths hang off.
func (c *Config) WebhookBase() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/webhooks"
}
