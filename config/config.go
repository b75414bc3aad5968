// Package config loads the sync client configuration from a YAML or JSON
// file, applies environment overrides and validates the result.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-record-sync/logging"
)

// Environment variables that override file values.
const (
	EnvRemoteURL = "RECORDSYNC_REMOTE_URL"
	EnvCachePath = "RECORDSYNC_CACHE_PATH"
	EnvOwnerID   = "RECORDSYNC_OWNER_ID"
	EnvToken     = "RECORDSYNC_TOKEN"
)

// Config is the full client configuration.
type Config struct {
	Remote  RemoteConfig  `yaml:"remote" json:"remote"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Auth    AuthConfig    `yaml:"auth" json:"auth"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// RemoteConfig describes the remote record store.
type RemoteConfig struct {
	URL         string        `yaml:"url" json:"url"`
	Stream      string        `yaml:"stream" json:"stream"` // sse, websocket
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	Compression bool          `yaml:"compression" json:"compression"`

	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryWaitMin  time.Duration `yaml:"retry_wait_min" json:"retry_wait_min"`
	RetryWaitMax  time.Duration `yaml:"retry_wait_max" json:"retry_wait_max"`
}

// CacheConfig selects and tunes the local cache.
type CacheConfig struct {
	Driver      string        `yaml:"driver" json:"driver"` // sqlite, memory
	Path        string        `yaml:"path" json:"path"`
	WAL         bool          `yaml:"wal" json:"wal"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// SyncConfig tunes the controller and drainer.
type SyncConfig struct {
	RecordTypes          []string      `yaml:"record_types" json:"record_types"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay" json:"max_reconnect_delay"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	DrainInterval        time.Duration `yaml:"drain_interval" json:"drain_interval"`
	DrainOnConnect       bool          `yaml:"drain_on_connect" json:"drain_on_connect"`
}

// AuthConfig carries the session identity. With JWTSecret set, Token is
// verified locally before use.
type AuthConfig struct {
	OwnerID   string `yaml:"owner_id" json:"owner_id"`
	Token     string `yaml:"token" json:"token"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

// LoggingConfig mirrors logging.Config for file-based setup.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"`
	AddSource bool   `yaml:"add_source" json:"add_source"`
}

// Default returns the configuration used for any field a file leaves unset.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			Stream:        "sse",
			Timeout:       30 * time.Second,
			Compression:   true,
			RetryAttempts: 3,
			RetryWaitMin:  500 * time.Millisecond,
			RetryWaitMax:  10 * time.Second,
		},
		Cache: CacheConfig{
			Driver:      "sqlite",
			Path:        "recordsync.db",
			WAL:         true,
			BusyTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			ReconnectDelay:       time.Second,
			MaxReconnectDelay:    30 * time.Second,
			BackoffMultiplier:    2,
			MaxReconnectAttempts: 5,
			DrainInterval:        30 * time.Second,
			DrainOnConnect:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(data, detectFormat(path), cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML from data over the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, "yaml", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func decode(data []byte, format string, cfg *Config) error {
	if format == "json" {
		// JSON is decoded by yaml so durations like "30s" parse.
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRemoteURL); ok && v != "" {
		c.Remote.URL = v
	}
	if v, ok := lookup(EnvCachePath); ok && v != "" {
		c.Cache.Path = v
	}
	if v, ok := lookup(EnvOwnerID); ok && v != "" {
		c.Auth.OwnerID = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Auth.Token = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_ADD_SOURCE"); ok {
		c.Logging.AddSource = strings.EqualFold(v, "true")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	u, err := url.Parse(c.Remote.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote.url %q must be an http(s) URL", c.Remote.URL)
	}
	switch c.Remote.Stream {
	case "sse", "websocket":
	default:
		return fmt.Errorf("remote.stream must be sse or websocket, got %q", c.Remote.Stream)
	}
	if c.Remote.Timeout < 0 || c.Remote.RetryWaitMin < 0 || c.Remote.RetryWaitMax < 0 {
		return fmt.Errorf("remote durations cannot be negative")
	}
	if c.Remote.RetryAttempts < 0 {
		return fmt.Errorf("remote.retry_attempts cannot be negative")
	}

	switch c.Cache.Driver {
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("cache.driver must be sqlite or memory, got %q", c.Cache.Driver)
	}
	if c.Cache.BusyTimeout < 0 {
		return fmt.Errorf("cache.busy_timeout cannot be negative")
	}

	if len(c.Sync.RecordTypes) == 0 {
		return fmt.Errorf("sync.record_types must name at least one record type")
	}
	seen := make(map[string]bool, len(c.Sync.RecordTypes))
	for _, rt := range c.Sync.RecordTypes {
		if rt == "" {
			return fmt.Errorf("sync.record_types contains an empty name")
		}
		if seen[rt] {
			return fmt.Errorf("sync.record_types lists %q twice", rt)
		}
		seen[rt] = true
	}
	if c.Sync.ReconnectDelay < 0 || c.Sync.MaxReconnectDelay < 0 || c.Sync.DrainInterval < 0 {
		return fmt.Errorf("sync durations cannot be negative")
	}
	if c.Sync.MaxReconnectDelay > 0 && c.Sync.ReconnectDelay > c.Sync.MaxReconnectDelay {
		return fmt.Errorf("sync.reconnect_delay exceeds sync.max_reconnect_delay")
	}
	if c.Sync.MaxReconnectAttempts < 0 {
		return fmt.Errorf("sync.max_reconnect_attempts cannot be negative")
	}

	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// LoggerConfig converts the logging section for logging.NewLogger.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		AddSource:   c.Logging.AddSource,
		Environment: logging.GetConfigFromEnv().Environment,
	}
}
