// ABOUTME: Configuration loading and parsing for coven-inbox
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a value is not configured.
const (
	DefaultHTTPAddr     = "0.0.0.0:8080"
	DefaultDSN          = "sqlite://coven-inbox.db"
	DefaultEventBuffer  = 64
	DefaultStoreTimeout = 10 * time.Second
	DefaultDedupeTTL    = 10 * time.Minute
	DefaultDedupeSize   = 10000
	DefaultDeviceStore  = "whatsmeow.db"
	DefaultExchange     = "coven.inbox"
)

// Config represents the complete coven-inbox configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" toml:"whatsapp"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Notify   NotifyConfig   `yaml:"notify" toml:"notify"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service; empty disables it
}

// DatabaseConfig holds the document store location
type DatabaseConfig struct {
	// DSN is memory:, sqlite:///path/to/file.db or postgres://...
	DSN string `yaml:"dsn" toml:"dsn"`
}

// SessionsConfig holds session worker tuning
type SessionsConfig struct {
	EventBuffer  int           `yaml:"event_buffer" toml:"event_buffer"`
	StoreTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeSize   int           `yaml:"dedupe_size" toml:"dedupe_size"`
	Autostart    []string      `yaml:"autostart" toml:"autostart"`

	// Raw string values for unmarshaling
	StoreTimeoutRaw string `yaml:"store_timeout" toml:"store_timeout"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// WhatsAppConfig holds WhatsApp client configuration
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	DeviceStore string `yaml:"device_store" toml:"device_store"` // sqlite file for device keys
}

// MatrixConfig holds Matrix client configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`

	// Tenant is the one tenant that owns this account. Any other tenant
	// routed to Matrix fails to start.
	Tenant string `yaml:"tenant" toml:"tenant"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// NotifyConfig holds message notification configuration
type NotifyConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url"` // empty disables notifications
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration usable without a file: in-process sqlite,
// no network clients, no auth.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.DSN == "" {
		c.Database.DSN = DefaultDSN
	}
	if c.Sessions.EventBuffer == 0 {
		c.Sessions.EventBuffer = DefaultEventBuffer
	}
	if c.Sessions.StoreTimeout == 0 {
		c.Sessions.StoreTimeout = DefaultStoreTimeout
	}
	if c.Sessions.DedupeTTL == 0 {
		c.Sessions.DedupeTTL = DefaultDedupeTTL
	}
	if c.Sessions.DedupeSize == 0 {
		c.Sessions.DedupeSize = DefaultDedupeSize
	}
	if c.WhatsApp.DeviceStore == "" {
		c.WhatsApp.DeviceStore = DefaultDeviceStore
	}
	if c.Notify.Exchange == "" {
		c.Notify.Exchange = DefaultExchange
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
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Sessions.EventBuffer < 1 {
		return fmt.Errorf("sessions.event_buffer must be positive, got %d", c.Sessions.EventBuffer)
	}
	if c.Sessions.StoreTimeout < 0 {
		return fmt.Errorf("sessions.store_timeout must not be negative")
	}
	if c.Sessions.DedupeSize < 0 {
		return fmt.Errorf("sessions.dedupe_size must not be negative")
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
		if c.Matrix.Tenant == "" {
			return fmt.Errorf("matrix.tenant is required when matrix is enabled")
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.StoreTimeoutRaw != "" {
		cfg.Sessions.StoreTimeout, err = time.ParseDuration(cfg.Sessions.StoreTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing store_timeout %q: %w", cfg.Sessions.StoreTimeoutRaw, err)
		}
	}

	if cfg.Sessions.DedupeTTLRaw != "" {
		cfg.Sessions.DedupeTTL, err = time.ParseDuration(cfg.Sessions.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Sessions.DedupeTTLRaw, err)
		}
	}

	return nil
}
