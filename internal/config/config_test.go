package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Profile = "work"
	cfg.Client.UserID = "alice"
	cfg.Client.Tombstones = TombstonesHidden
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Profile != "work" || loaded.Client.UserID != "alice" {
		t.Errorf("loaded = %+v, want profile work and user alice", loaded)
	}
	if loaded.Client.Tombstones != TombstonesHidden {
		t.Errorf("Tombstones = %q, want hidden", loaded.Client.Tombstones)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[client]\nuser_id = \"bob\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Client.PageSize != 50 {
		t.Errorf("PageSize = %d, want default 50", cfg.Client.PageSize)
	}
	if cfg.Client.UserID != "bob" {
		t.Errorf("UserID = %q, want bob", cfg.Client.UserID)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Profile != "main" {
		t.Errorf("Profile = %q, want main", cfg.Profile)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero page size", func(c *Config) { c.Client.PageSize = 0 }, true},
		{"huge page size", func(c *Config) { c.Client.PageSize = 1000 }, true},
		{"unknown policy", func(c *Config) { c.Client.Tombstones = "blurred" }, true},
		{"hidden policy", func(c *Config) { c.Client.Tombstones = TombstonesHidden }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
