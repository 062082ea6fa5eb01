// ABOUTME: Configuration loading and parsing for handoff-gateway
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

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Coordination CoordinationConfig `yaml:"coordination" toml:"coordination"`
	Responder    ResponderConfig    `yaml:"responder" toml:"responder"`
	Escalation   EscalationConfig   `yaml:"escalation" toml:"escalation"`
	Delivery     DeliveryConfig     `yaml:"delivery" toml:"delivery"`
	Archival     ArchivalConfig     `yaml:"archival" toml:"archival"`
	Dedupe       DedupeConfig       `yaml:"dedupe" toml:"dedupe"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret enables
// development-mode header authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Coordination backends
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// CoordinationConfig selects the per-conversation critical section.
// local serves a single replica; redis serves several replicas sharing one database.
type CoordinationConfig struct {
	Backend       string        `yaml:"backend" toml:"backend"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" toml:"key_prefix"`
	LeaseTTL      time.Duration `yaml:"-" toml:"-"`
	RetryInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LeaseTTLRaw      string `yaml:"lease_ttl" toml:"lease_ttl"`
	RetryIntervalRaw string `yaml:"retry_interval" toml:"retry_interval"`
}

// Low-confidence reply policies
const (
	LowConfidenceSuppress = "suppress"
	LowConfidenceAppend   = "append"
)

// ResponderConfig holds the automated responder endpoint. An empty URL means every
// customer turn is escalated to a human.
type ResponderConfig struct {
	URL                string        `yaml:"url" toml:"url"`
	APIKey             string        `yaml:"api_key" toml:"api_key"`
	Retries            int           `yaml:"retries" toml:"retries"`
	ConfidenceFloor    float64       `yaml:"confidence_floor" toml:"confidence_floor"`
	HistoryLimit       int           `yaml:"history_limit" toml:"history_limit"`
	LowConfidenceReply string        `yaml:"low_confidence_reply" toml:"low_confidence_reply"`
	Timeout            time.Duration `yaml:"-" toml:"-"`
	RetryBackoff       time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	RetryBackoffRaw string `yaml:"retry_backoff" toml:"retry_backoff"`
}

// EscalationConfig overrides the escalation rule inputs. Empty lists keep the defaults.
type EscalationConfig struct {
	ExplicitPhrases    []string `yaml:"explicit_phrases" toml:"explicit_phrases"`
	NegativeSentiments []string `yaml:"negative_sentiments" toml:"negative_sentiments"`
	VIPTags            []string `yaml:"vip_tags" toml:"vip_tags"`
	ComplexIntents     []string `yaml:"complex_intents" toml:"complex_intents"`
}

// DeliveryConfig holds outbound channel publishers
type DeliveryConfig struct {
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq"`
	Webhooks WebhooksConfig `yaml:"webhooks" toml:"webhooks"`
}

// RabbitMQConfig publishes outbound messages to <queue_prefix>.outbound.<channel>
type RabbitMQConfig struct {
	URL         string `yaml:"url" toml:"url"`
	QueuePrefix string `yaml:"queue_prefix" toml:"queue_prefix"`
}

// WebhooksConfig posts outbound messages to a per-channel URL
type WebhooksConfig struct {
	URLs    map[string]string `yaml:"urls" toml:"urls"`
	Secret  string            `yaml:"secret" toml:"secret"`
	Timeout time.Duration     `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ArchivalConfig controls the periodic archival of resolved conversations
type ArchivalConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	Schedule  string        `yaml:"schedule" toml:"schedule"`
	BatchSize int           `yaml:"batch_size" toml:"batch_size"`
	RetainFor time.Duration `yaml:"-" toml:"-"`

	RetainForRaw string `yaml:"retain_for" toml:"retain_for"`
}

// DedupeConfig sizes the inbound idempotency cache
type DedupeConfig struct {
	MaxSize int           `yaml:"max_size" toml:"max_size"`
	TTL     time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// Defaults returns a configuration with every optional field filled in.
func Defaults() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "handoff.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
		Coordination: CoordinationConfig{
			Backend:       BackendLocal,
			KeyPrefix:     "handoff:guard:",
			LeaseTTL:      30 * time.Second,
			RetryInterval: 25 * time.Millisecond,
		},
		Responder: ResponderConfig{
			Retries:            2,
			ConfidenceFloor:    0.6,
			HistoryLimit:       50,
			LowConfidenceReply: LowConfidenceSuppress,
			Timeout:            20 * time.Second,
			RetryBackoff:       500 * time.Millisecond,
		},
		Delivery: DeliveryConfig{
			RabbitMQ: RabbitMQConfig{QueuePrefix: "handoff"},
			Webhooks: WebhooksConfig{Timeout: 10 * time.Second},
		},
		Archival: ArchivalConfig{
			Schedule:  "@every 1h",
			BatchSize: 500,
			RetainFor: 30 * 24 * time.Hour,
		},
		Dedupe: DedupeConfig{MaxSize: 10000, TTL: 10 * time.Minute},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// HANDOFF_DB_PATH overrides database.path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if dbPath := os.Getenv("HANDOFF_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultPath returns HANDOFF_CONFIG, or $XDG_CONFIG_HOME/handoff/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("HANDOFF_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "handoff", "gateway.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
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
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Coordination.Backend {
	case BackendLocal:
	case BackendRedis:
		if c.Coordination.RedisAddr == "" {
			return fmt.Errorf("coordination.redis_addr is required when backend is redis")
		}
		if c.Coordination.LeaseTTL <= 0 {
			return fmt.Errorf("coordination.lease_ttl must be positive")
		}
	default:
		return fmt.Errorf("coordination.backend must be %q or %q, got %q", BackendLocal, BackendRedis, c.Coordination.Backend)
	}

	if f := c.Responder.ConfidenceFloor; f < 0 || f > 1 {
		return fmt.Errorf("responder.confidence_floor must be within [0, 1], got %v", f)
	}
	if c.Responder.Retries < 0 {
		return fmt.Errorf("responder.retries must not be negative")
	}
	switch c.Responder.LowConfidenceReply {
	case LowConfidenceSuppress, LowConfidenceAppend:
	default:
		return fmt.Errorf("responder.low_confidence_reply must be %q or %q", LowConfidenceSuppress, LowConfidenceAppend)
	}

	for channel := range c.Delivery.Webhooks.URLs {
		switch channel {
		case "website", "whatsapp", "instagram":
		default:
			return fmt.Errorf("delivery.webhooks.urls: unknown channel %q", channel)
		}
	}

	if c.Archival.Enabled {
		if c.Archival.Schedule == "" {
			return fmt.Errorf("archival.schedule is required when archival is enabled")
		}
		if c.Archival.RetainFor <= 0 {
			return fmt.Errorf("archival.retain_for must be positive")
		}
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
		{"coordination.lease_ttl", cfg.Coordination.LeaseTTLRaw, &cfg.Coordination.LeaseTTL},
		{"coordination.retry_interval", cfg.Coordination.RetryIntervalRaw, &cfg.Coordination.RetryInterval},
		{"responder.timeout", cfg.Responder.TimeoutRaw, &cfg.Responder.Timeout},
		{"responder.retry_backoff", cfg.Responder.RetryBackoffRaw, &cfg.Responder.RetryBackoff},
		{"delivery.webhooks.timeout", cfg.Delivery.Webhooks.TimeoutRaw, &cfg.Delivery.Webhooks.Timeout},
		{"archival.retain_for", cfg.Archival.RetainForRaw, &cfg.Archival.RetainFor},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
