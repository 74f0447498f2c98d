// Package config loads the application configuration from YAML or JSON5
// files, with environment variable expansion and $include composition.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the loom server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	LLM      LLMConfig      `yaml:"llm"`
	Engine   EngineConfig   `yaml:"engine"`
	Titles   TitlesConfig   `yaml:"titles"`
	Media    MediaConfig    `yaml:"media"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the chat store backend. Driver is "memory",
// "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	// Postgres settings, used when Driver is "postgres".
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
	Admin  bool   `yaml:"admin"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type EngineConfig struct {
	MaxTokens   int           `yaml:"max_tokens"`
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	EventBuffer int           `yaml:"event_buffer"`
}

// TitlesConfig controls automatic chat title generation.
type TitlesConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// MediaConfig points tool artifact storage at an S3 bucket. Endpoint is
// for S3-compatible stores (MinIO, localstack).
type MediaConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	KeyPrefix string `yaml:"key_prefix"`
	PublicURL string `yaml:"public_url"`
}

type ToolsConfig struct {
	Weather WeatherToolConfig `yaml:"weather"`

	// RequireApproval lists tool names that need a user grant before
	// every execution, regardless of agent settings.
	RequireApproval []string `yaml:"require_approval"`
}

type WeatherToolConfig struct {
	Enabled     bool   `yaml:"enabled"`
	GeocodeURL  string `yaml:"geocode_url"`
	ForecastURL string `yaml:"forecast_url"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads the configuration file at path, resolves includes, expands
// environment variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "loom.db"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
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
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Engine.MaxTokens == 0 {
		cfg.Engine.MaxTokens = 4096
	}
	if cfg.Engine.ToolTimeout == 0 {
		cfg.Engine.ToolTimeout = 60 * time.Second
	}
	if cfg.Engine.EventBuffer == 0 {
		cfg.Engine.EventBuffer = 64
	}
	if cfg.Titles.Provider == "" {
		cfg.Titles.Provider = cfg.LLM.DefaultProvider
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.Name) == "" {
			return fmt.Errorf("database.name is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.LLM.DefaultProvider != "" {
		if len(c.LLM.Providers) > 0 {
			if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
				return fmt.Errorf("llm.default_provider %q has no provider entry", c.LLM.DefaultProvider)
			}
		}
	}

	if c.Media.Enabled && strings.TrimSpace(c.Media.Bucket) == "" {
		return fmt.Errorf("media.bucket is required when media storage is enabled")
	}

	return nil
}
