// ABOUTME: Configuration loading and parsing for clinic-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion, overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left unset.
const (
	DefaultIdleThreshold    = 1500 * time.Millisecond
	DefaultDirectoryTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxMessageSize   = 64 * 1024
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeMaxSize    = 10_000
	DefaultReconnectBackoff = 2 * time.Second
)

// EnvPrefix is the prefix for environment overrides, e.g. CLINIC_SELF_ID.
const EnvPrefix = "clinic"

// Config represents the complete clinic-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Identity  IdentityConfig  `yaml:"identity" toml:"identity"`
	Directory DirectoryConfig `yaml:"directory" toml:"directory"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the conversation channel endpoint
type ServerConfig struct {
	URL string `yaml:"url" toml:"url" validate:"required,url"`
}

// IdentityConfig holds the local user's identity and session token
type IdentityConfig struct {
	SelfID string `yaml:"self_id" toml:"self_id"`
	Token  string `yaml:"token" toml:"token"`
}

// DirectoryConfig holds the peer directory endpoint
type DirectoryConfig struct {
	URL     string        `yaml:"url" toml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// PresenceConfig holds typing indicator timing
type PresenceConfig struct {
	IdleThreshold time.Duration `yaml:"-" toml:"-"`

	IdleThresholdRaw string `yaml:"idle_threshold" toml:"idle_threshold"`
}

// TransportConfig holds WebSocket timing and limits
type TransportConfig struct {
	PingInterval     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout     time.Duration `yaml:"-" toml:"-"`
	ReadTimeout      time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	MaxMessageSize   int64         `yaml:"max_message_size" toml:"max_message_size" validate:"gte=0"`

	// Raw string values for unmarshaling
	PingIntervalRaw     string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw     string `yaml:"write_timeout" toml:"write_timeout"`
	ReadTimeoutRaw      string `yaml:"read_timeout" toml:"read_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// DedupeConfig bounds the cache of applied message ids
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	MaxSize int           `yaml:"max_size" toml:"max_size" validate:"gte=0"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// ReconnectConfig holds the fixed delay between reconnect attempts
type ReconnectConfig struct {
	Backoff time.Duration `yaml:"-" toml:"-"`

	BackoffRaw string `yaml:"backoff" toml:"backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
}

// Overrides are read from CLINIC_* environment variables and win over the file.
type Overrides struct {
	ServerURL string `envconfig:"SERVER_URL"`
	SelfID    string `envconfig:"SELF_ID"`
	Token     string `envconfig:"TOKEN"`
	LogLevel  string `envconfig:"LOG_LEVEL"`
}

var validate = validator.New()

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, CLINIC_*
// overrides are applied, and duration strings are parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

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

	if err := cfg.applyOverrides(); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyOverrides() error {
	var o Overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}
	if o.ServerURL != "" {
		c.Server.URL = o.ServerURL
	}
	if o.SelfID != "" {
		c.Identity.SelfID = o.SelfID
	}
	if o.Token != "" {
		c.Identity.Token = o.Token
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	return nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Directory.Timeout, DefaultDirectoryTimeout)
	setDefault(&c.Presence.IdleThreshold, DefaultIdleThreshold)
	setDefault(&c.Transport.PingInterval, DefaultPingInterval)
	setDefault(&c.Transport.WriteTimeout, DefaultWriteTimeout)
	setDefault(&c.Transport.ReadTimeout, DefaultReadTimeout)
	setDefault(&c.Transport.HandshakeTimeout, DefaultHandshakeTimeout)
	setDefault(&c.Dedupe.TTL, DefaultDedupeTTL)
	setDefault(&c.Reconnect.Backoff, DefaultReconnectBackoff)
	if c.Transport.MaxMessageSize == 0 {
		c.Transport.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeMaxSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks struct constraints and the cross-field rules they cannot
// express. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must use ws:// or wss://, got %q", c.Server.URL)
	}

	if c.Identity.SelfID == "" && c.Identity.Token == "" {
		return fmt.Errorf("identity.self_id or identity.token is required")
	}

	if c.Presence.IdleThreshold < 100*time.Millisecond {
		return fmt.Errorf("presence.idle_threshold must be at least 100ms, got %s", c.Presence.IdleThreshold)
	}

	if c.Transport.ReadTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.read_timeout (%s) must exceed transport.ping_interval (%s)",
			c.Transport.ReadTimeout, c.Transport.PingInterval)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"directory.timeout", cfg.Directory.TimeoutRaw, &cfg.Directory.Timeout},
		{"presence.idle_threshold", cfg.Presence.IdleThresholdRaw, &cfg.Presence.IdleThreshold},
		{"transport.ping_interval", cfg.Transport.PingIntervalRaw, &cfg.Transport.PingInterval},
		{"transport.write_timeout", cfg.Transport.WriteTimeoutRaw, &cfg.Transport.WriteTimeout},
		{"transport.read_timeout", cfg.Transport.ReadTimeoutRaw, &cfg.Transport.ReadTimeout},
		{"transport.handshake_timeout", cfg.Transport.HandshakeTimeoutRaw, &cfg.Transport.HandshakeTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"reconnect.backoff", cfg.Reconnect.BackoffRaw, &cfg.Reconnect.Backoff},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
