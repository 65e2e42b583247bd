// Package config loads server settings from an optional YAML file.
// Flags override file values; the file overrides built-in defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the server settings.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	CacheCapacity int    `yaml:"cache_capacity"`
	Transport     string `yaml:"transport"`
	Port          string `yaml:"port"`
	Debug         bool   `yaml:"debug"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir:       "./data",
		CacheCapacity: 50,
		Transport:     "stdio",
		Port:          "8081",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = Default().CacheCapacity
	}
	return cfg, nil
}
