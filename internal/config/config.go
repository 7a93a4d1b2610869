package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Tombstone rendering policies.
const (
	TombstonesPlaceholder = "placeholder"
	TombstonesHidden      = "hidden"
)

const (
	MinPageSize = 1
	MaxPageSize = 200
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	Profile string `toml:"profile"`
	Client  Client `toml:"client"`
	Server  Server `toml:"server"`
	Log     Log    `toml:"log"`
}

// Client configures the sync engine and the terminal clients.
type Client struct {
	Address     string `toml:"address"`
	UserID      string `toml:"user_id"`
	Username    string `toml:"username"`
	DisplayName string `toml:"display_name"`
	PageSize    int    `toml:"page_size"`
	Tombstones  string `toml:"tombstones"`
}

// Server configures the chatd reference server.
type Server struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
	DataDir       string `toml:"data_dir"`
}

// Log configures zap.
type Log struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Profile: "main",
		Client: Client{
			Address:    "127.0.0.1:7420",
			PageSize:   50,
			Tombstones: TombstonesPlaceholder,
		},
		Server: Server{
			Listen:        "127.0.0.1:7420",
			MetricsListen: "127.0.0.1:7421",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks value ranges that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	if c.Client.PageSize < MinPageSize || c.Client.PageSize > MaxPageSize {
		return fmt.Errorf("client.page_size %d out of range [%d, %d]", c.Client.PageSize, MinPageSize, MaxPageSize)
	}
	switch c.Client.Tombstones {
	case TombstonesPlaceholder, TombstonesHidden:
	default:
		return fmt.Errorf("client.tombstones %q: want %q or %q", c.Client.Tombstones, TombstonesPlaceholder, TombstonesHidden)
	}
	return nil
}
