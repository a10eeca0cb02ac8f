// ABOUTME: Configuration loading and parsing for hearth-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Connections ConnectionsConfig `yaml:"connections"`
	Presence    PresenceConfig    `yaml:"presence"`
	Generation  GenerationConfig  `yaml:"generation"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	AllowedOrigin string `yaml:"allowed_origin"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ConnectionsConfig holds per-connection timing configuration
type ConnectionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// PresenceConfig holds presence/typing timing configuration
type PresenceConfig struct {
	TypingQuiet time.Duration `yaml:"-"`
	IdleAfter   time.Duration `yaml:"-"`

	TypingQuietRaw string `yaml:"typing_quiet_timeout"`
	IdleAfterRaw   string `yaml:"idle_after"`
}

// GenerationConfig holds external generation service configuration
type GenerationConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MaxAttempts   int    `yaml:"max_attempts"`
	HistoryWindow int    `yaml:"history_window"`

	// Per-conversation user message rate limit
	MessagesPerMinute float64 `yaml:"messages_per_minute"`
	MessageBurst      int     `yaml:"message_burst"`

	BackoffBase    time.Duration `yaml:"-"`
	BackoffCap     time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	BackoffBaseRaw    string `yaml:"backoff_base"`
	BackoffCapRaw     string `yaml:"backoff_cap"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional settings.
func (c *Config) applyDefaults() {
	if c.Connections.HeartbeatInterval == 0 {
		c.Connections.HeartbeatInterval = 30 * time.Second
	}
	if c.Presence.TypingQuiet == 0 {
		c.Presence.TypingQuiet = time.Second
	}
	if c.Presence.IdleAfter == 0 {
		c.Presence.IdleAfter = 2 * time.Minute
	}
	if c.Generation.MaxAttempts == 0 {
		c.Generation.MaxAttempts = 3
	}
	if c.Generation.HistoryWindow == 0 {
		c.Generation.HistoryWindow = 20
	}
	if c.Generation.BackoffBase == 0 {
		c.Generation.BackoffBase = 500 * time.Millisecond
	}
	if c.Generation.BackoffCap == 0 {
		c.Generation.BackoffCap = 8 * time.Second
	}
	if c.Generation.RequestTimeout == 0 {
		c.Generation.RequestTimeout = 20 * time.Second
	}
	if c.Generation.MessagesPerMinute == 0 {
		c.Generation.MessagesPerMinute = 20
	}
	if c.Generation.MessageBurst == 0 {
		c.Generation.MessageBurst = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Generation.Endpoint == "" {
		return fmt.Errorf("generation.endpoint is required")
	}

	if c.Generation.HistoryWindow <= 0 {
		return fmt.Errorf("generation.history_window must be positive")
	}

	if c.Generation.RequestTimeout >= c.Connections.HeartbeatInterval*3 {
		return fmt.Errorf("generation.request_timeout must stay well under the heartbeat window")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Connections.HeartbeatIntervalRaw, &cfg.Connections.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Presence.TypingQuietRaw, &cfg.Presence.TypingQuiet, "typing_quiet_timeout"},
		{cfg.Presence.IdleAfterRaw, &cfg.Presence.IdleAfter, "idle_after"},
		{cfg.Generation.BackoffBaseRaw, &cfg.Generation.BackoffBase, "backoff_base"},
		{cfg.Generation.BackoffCapRaw, &cfg.Generation.BackoffCap, "backoff_cap"},
		{cfg.Generation.RequestTimeoutRaw, &cfg.Generation.RequestTimeout, "request_timeout"},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	return nil
}
