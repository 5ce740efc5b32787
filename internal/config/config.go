package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Assets  AssetsConfig  `yaml:"assets"`
	Update  UpdateConfig  `yaml:"update"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the status server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig selects and tunes the blob store backend
type StorageConfig struct {
	// Backend is "sqlite" (default) or "redis"
	Backend     string `yaml:"backend"`
	DBPath      string `yaml:"db_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	// LRUSize is the entry count of the in-process read-through cache
	LRUSize int `yaml:"lru_size"`
}

// FetchConfig tunes the HTTP fetch layer
type FetchConfig struct {
	// TimeoutSeconds is loaded and defaulted here but not passed to the
	// fetch client; fetches use fetch.DefaultAssetFetchTimeout (30 s)
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	UserAgent      string `yaml:"user_agent"`
	// InternalBase is prepended to non-external asset URLs (bundled copies)
	InternalBase string `yaml:"internal_base"`
	// MaxBodyBytes is loaded here but not passed to the fetch client;
	// fetched bodies are capped at fetch.DefaultMaxBodyBytes
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// AssetsConfig locates the assets.json catalog
type AssetsConfig struct {
	BootstrapLocation string `yaml:"bootstrap_location"`
	AssetsJSONPath    string `yaml:"assets_json_path"`
}

// UpdateConfig tunes the update scheduler
type UpdateConfig struct {
	// AssetDelaySeconds is the pause between full-refresh fetches
	AssetDelaySeconds int `yaml:"asset_delay_seconds"`
	// Auto selects remote-server-friendly fetching for background cycles
	Auto bool `yaml:"auto"`
}

// LogConfig routes logs to a rotating file when File is set
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8080",
			DataDir: "/var/lib/assetengine",
		},
		Storage: StorageConfig{
			Backend:     "sqlite",
			DBPath:      "",
			RedisPrefix: "assetengine:",
			LRUSize:     256,
		},
		Fetch: FetchConfig{
			TimeoutSeconds: 30,
			UserAgent:      "assetengine/1.0",
		},
		Assets: AssetsConfig{
			AssetsJSONPath: "assets/assets.json",
		},
		Update: UpdateConfig{
			AssetDelaySeconds: 120,
			Auto:              true,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"assetengine.yaml",
		"/etc/assetengine/assetengine.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "assetengine", "assetengine.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DBPath returns the configured database path, defaulting under DataDir
func (c *Config) DBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Server.DataDir, "assetengine.db")
}
