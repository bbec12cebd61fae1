package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}

	if cfg.Cache.DefaultTTL != 5*time.Minute || cfg.Cache.MaxMemoryEntries != 100 {
		t.Errorf("cache defaults wrong: %+v", cfg.Cache)
	}
	if cfg.Sync.ConflictStrategy != "latest-wins" || cfg.Sync.MaxRetries != 3 {
		t.Errorf("sync defaults wrong: %+v", cfg.Sync)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level default = %q", cfg.LogLevel)
	}
}

func TestLoad_OverridesAndBackfill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
repositories:
  - octo/alpha
  - octo/beta
log_level: debug
cache:
  max_memory_entries: 10
sync:
  interval: 30s
  conflict_strategy: manual
  keep_missing: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Repositories) != 2 || cfg.Repositories[0] != "octo/alpha" {
		t.Errorf("repositories = %v", cfg.Repositories)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Cache.MaxMemoryEntries != 10 {
		t.Errorf("override lost: %+v", cfg.Cache)
	}
	if cfg.Sync.Interval != 30*time.Second || cfg.Sync.ConflictStrategy != "manual" || !cfg.Sync.KeepMissing {
		t.Errorf("sync overrides lost: %+v", cfg.Sync)
	}

	// Fields the file left out are backfilled with defaults.
	if cfg.Cache.DefaultTTL != 5*time.Minute {
		t.Errorf("unset field not backfilled: %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("unset field not backfilled: %v", cfg.Sync.BatchSize)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("cache: ["), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestResolveStoragePath(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{StoragePath: filepath.Join(dir, "nested", "mirror.db")}

	path, err := cfg.ResolveStoragePath()
	if err != nil {
		t.Fatalf("ResolveStoragePath failed: %v", err)
	}
	if path != cfg.StoragePath {
		t.Errorf("path = %q", path)
	}

	// Parent directory is created.
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory not created: %v", err)
	}
}
