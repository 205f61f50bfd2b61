// Package config provides configuration file support for the collaboration service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inkwell-cms/collab/pkg/model"
	"github.com/inkwell-cms/collab/pkg/webhook"
)

// Config represents the service configuration.
type Config struct {
	Listen   string           `json:"listen" yaml:"listen"`
	Store    StoreConfig      `json:"store" yaml:"store"`
	PubSub   PubSubConfig     `json:"pubsub" yaml:"pubsub"`
	Buffer   BufferConfig     `json:"buffer" yaml:"buffer"`
	Lock     model.LockPolicy `json:"lock" yaml:"lock"`
	Presence PresenceConfig   `json:"presence" yaml:"presence"`
	Session  SessionConfig    `json:"session" yaml:"session"`
	Logging  LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig    `json:"metrics" yaml:"metrics"`
	Webhooks *webhook.Config  `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

// StoreConfig selects the durable change store.
type StoreConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // memory, sqlite, jsonl, mongo
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
}

// PubSubConfig selects the cross-instance change stream.
type PubSubConfig struct {
	Driver        string `json:"driver" yaml:"driver"` // memory, redis
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	TopicPrefix   string `json:"topic_prefix" yaml:"topic_prefix"`
}

// BufferConfig configures per-session change buffering.
type BufferConfig struct {
	MaxSize       int           `json:"max_size" yaml:"max_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// PresenceConfig configures the presence sweep.
type PresenceConfig struct {
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// SessionConfig configures session lifecycle policy.
type SessionConfig struct {
	IdleTimeout    time.Duration        `json:"idle_timeout" yaml:"idle_timeout"`
	ExclusiveTypes []model.DocumentType `json:"exclusive_types,omitempty" yaml:"exclusive_types,omitempty"`
	RecentlyEnded  int                  `json:"recently_ended" yaml:"recently_ended"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json, text
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store: StoreConfig{
			Driver: "memory",
		},
		PubSub: PubSubConfig{
			Driver:      "memory",
			TopicPrefix: "collab.changes.",
		},
		Buffer: BufferConfig{
			MaxSize:       50,
			FlushInterval: 2 * time.Second,
		},
		Lock: model.LockPolicy{
			DefaultLeaseTTL: 5 * time.Minute,
			MaxLeaseTTL:     time.Hour,
		},
		Presence: PresenceConfig{
			SweepInterval: 30 * time.Second,
		},
		Session: SessionConfig{
			RecentlyEnded: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from path.
// Returns default config if the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil // No config file is OK, use defaults
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "jsonl":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	case "mongo":
		if c.Store.URI == "" {
			return fmt.Errorf("store.uri is required for driver mongo")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.PubSub.Driver {
	case "memory":
	case "redis":
		if c.PubSub.RedisAddr == "" {
			return fmt.Errorf("pubsub.redis_addr is required for driver redis")
		}
	default:
		return fmt.Errorf("unknown pubsub.driver %q", c.PubSub.Driver)
	}

	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer.max_size must be positive")
	}
	if c.Lock.DefaultLeaseTTL <= 0 {
		return fmt.Errorf("lock.default_lease must be positive")
	}
	if c.Lock.MaxLeaseTTL > 0 && c.Lock.MaxLeaseTTL < c.Lock.DefaultLeaseTTL {
		return fmt.Errorf("lock.max_lease must not be shorter than lock.default_lease")
	}
	for _, t := range c.Session.ExclusiveTypes {
		if !t.Valid() {
			return fmt.Errorf("session.exclusive_types: unknown document type %q", t)
		}
	}
	return nil
}

// IsExclusive reports whether documents of type t require the editor to
// hold or respect the document lock.
func (c *Config) IsExclusive(t model.DocumentType) bool {
	for _, e := range c.Session.ExclusiveTypes {
		if e == t {
			return true
		}
	}
	return false
}
