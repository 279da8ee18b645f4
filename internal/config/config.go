package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the application configuration
type Config struct {
	Watch  WatchConfig  `toml:"watch"`
	Store  StoreConfig  `toml:"store"`
	Server ServerConfig `toml:"server"`
}

// WatchConfig holds file-tailing configuration
type WatchConfig struct {
	LogFile string `toml:"log_file"`
}

// StoreConfig holds record retention configuration
type StoreConfig struct {
	MaxRecords int `toml:"max_records"`
}

// ServerConfig holds ingestion server configuration
type ServerConfig struct {
	Port int `toml:"port"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Watch: WatchConfig{
			LogFile: "build.log",
		},
		Store: StoreConfig{
			MaxRecords: 1000,
		},
		Server: ServerConfig{
			Port: 9090,
		},
	}
}

// Load loads configuration with precedence: config file values over defaults,
// then environment variables over both. CLI flags are applied by the caller
// and win over everything.
func Load(path string) (*Config, error) {
	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides file and default values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("BUILDTAIL_LOG_FILE"); v != "" {
		c.Watch.LogFile = v
	}
	if v := os.Getenv("BUILDTAIL_MAX_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.MaxRecords = n
		}
	}
	if v := os.Getenv("BUILDTAIL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.Port = n
		}
	}
}
