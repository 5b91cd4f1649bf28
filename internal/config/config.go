// Package config loads the YAML configuration for the loom CLI and
// applies defaults and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	// DataDir holds the database and blob shards. Defaults to ~/.loom.
	DataDir string `yaml:"data_dir"`

	// CheckpointEvery takes a checkpoint after this many fold operations
	// per branch. Zero disables automatic checkpoints.
	CheckpointEvery uint64 `yaml:"checkpoint_every"`

	// SubscriptionBuffer bounds per-subscription event buffers.
	SubscriptionBuffer int `yaml:"subscription_buffer"`

	// StateCacheSize bounds the reconstructed-state LRU.
	StateCacheSize int `yaml:"state_cache_size"`

	// BlobCacheSize bounds the blob read cache.
	BlobCacheSize int `yaml:"blob_cache_size"`

	GC  GCConfig  `yaml:"gc"`
	ACL ACLConfig `yaml:"acl"`
	Log LogConfig `yaml:"log"`
}

// GCConfig configures tier-B collection.
type GCConfig struct {
	// FollowLinks makes soft linkedTo references keep records alive.
	FollowLinks bool `yaml:"follow_links"`
}

// ACLConfig configures the permission boundary.
type ACLConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir:            filepath.Join(home, ".loom"),
		CheckpointEvery:    100,
		SubscriptionBuffer: 1000,
		StateCacheSize:     256,
		BlobCacheSize:      512,
		Log:                LogConfig{Level: "info"},
	}
}

// Load reads path, layering it over defaults. A missing file is not an
// error: defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the store cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.SubscriptionBuffer < 0 {
		return fmt.Errorf("subscription_buffer must not be negative")
	}
	if c.StateCacheSize < 0 {
		return fmt.Errorf("state_cache_size must not be negative")
	}
	if c.BlobCacheSize < 0 {
		return fmt.Errorf("blob_cache_size must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.ACL.Enabled && c.ACL.Subject == "" {
		return fmt.Errorf("acl.subject is required when acl.enabled is set")
	}
	return nil
}

// DatabasePath is the SQLite file inside DataDir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "loom.db")
}

// BlobDir is the content-addressed blob root inside DataDir.
func (c Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}
