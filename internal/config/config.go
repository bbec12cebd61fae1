// Package config loads the host application's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache configures the two-tier cache.
type Cache struct {
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	MaxMemoryEntries  int           `yaml:"max_memory_entries"`
	MaxSessionEntries int           `yaml:"max_session_entries"`
	EnableCompression bool          `yaml:"enable_compression"`
	EnableEviction    bool          `yaml:"enable_eviction"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// Sync configures the synchronization engine.
type Sync struct {
	Interval         time.Duration `yaml:"interval"`
	OfflineMode      bool          `yaml:"offline_mode"`
	ConflictStrategy string        `yaml:"conflict_strategy"`
	BatchSize        int           `yaml:"batch_size"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	InspectedFields  []string      `yaml:"inspected_fields"`
	KeepMissing      bool          `yaml:"keep_missing"`
}

// Config is the full configuration surface.
type Config struct {
	// Repositories are the "owner/name" repositories to mirror.
	Repositories []string `yaml:"repositories"`

	// StoragePath is the SQLite database location. Empty means
	// ~/.cache/prmirror/prmirror.db.
	StoragePath string `yaml:"storage_path"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Cache Cache `yaml:"cache"`
	Sync  Sync  `yaml:"sync"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		LogLevel: "info",
		Cache: Cache{
			DefaultTTL:        5 * time.Minute,
			MaxMemoryEntries:  100,
			MaxSessionEntries: 500,
			EnableCompression: true,
			EnableEviction:    true,
			CleanupInterval:   time.Minute,
		},
		Sync: Sync{
			Interval:         5 * time.Minute,
			ConflictStrategy: "latest-wins",
			BatchSize:        50,
			MaxRetries:       3,
			RetryDelay:       time.Second,
		},
	}
}

// DefaultPath returns ~/.config/prmirror/config.yml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "prmirror", "config.yml"), nil
}

// Load reads the configuration at path, layering it over the defaults. A
// missing file yields the defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg.normalized(), nil
}

// normalized backfills zero values that yaml decoding may have cleared.
func (c Config) normalized() Config {
	defaults := Default()
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = defaults.Cache.DefaultTTL
	}
	if c.Cache.MaxMemoryEntries <= 0 {
		c.Cache.MaxMemoryEntries = defaults.Cache.MaxMemoryEntries
	}
	if c.Cache.MaxSessionEntries <= 0 {
		c.Cache.MaxSessionEntries = defaults.Cache.MaxSessionEntries
	}
	if c.Cache.CleanupInterval <= 0 {
		c.Cache.CleanupInterval = defaults.Cache.CleanupInterval
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = defaults.Sync.Interval
	}
	if c.Sync.ConflictStrategy == "" {
		c.Sync.ConflictStrategy = defaults.Sync.ConflictStrategy
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = defaults.Sync.BatchSize
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = defaults.Sync.MaxRetries
	}
	if c.Sync.RetryDelay <= 0 {
		c.Sync.RetryDelay = defaults.Sync.RetryDelay
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	return c
}

// ResolveStoragePath returns the configured database path, creating its
// parent directory, with ~/.cache/prmirror/prmirror.db as the default.
func (c Config) ResolveStoragePath() (string, error) {
	path := c.StoragePath
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".cache", "prmirror", "prmirror.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}
	return path, nil
}
