// Package config loads veilstratum's configuration from an optional YAML
// file, environment variables, and CLI flags, in that increasing order of
// precedence, grounded on coopmine/config/config.go's
// read-then-unmarshal-onto-defaults shape.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full set of settings a veilstratum process needs. CLI
// flags remain the primary interface; the YAML file only supplies
// defaults a flag can still override.
type Config struct {
	Address string   `yaml:"address"`
	Port    int      `yaml:"port"`
	NodeURL string   `yaml:"node_url"`
	Jobs    []string `yaml:"jobs"`
	Verbose bool     `yaml:"verbose"`

	MetricsAddr   string `yaml:"metrics_address"`
	RedisAddr     string `yaml:"redis_address"`
	DashboardAddr string `yaml:"dashboard_address"`
}

// DefaultConfig returns a Config that is valid to run with no file and no
// flags beyond the required node URL and port.
func DefaultConfig() *Config {
	return &Config{
		Address:     "0.0.0.0",
		MetricsAddr: ":9100",
	}
}

// Load reads path (if non-empty) and overlays it onto DefaultConfig. It is
// not an error for path to be empty: the YAML file is optional.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields required to start a proxy.
func (c *Config) Validate() error {
	if c.NodeURL == "" {
		return fmt.Errorf("node url is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}

// ApplyEnv overlays OS environment variables onto cfg. A variable that is
// set replaces the value from the file or the built-in default, so a
// file < env < flag precedence holds as long as the caller only falls back
// to cfg for flags the user left unset.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("VEILSTRATUM_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("VEILSTRATUM_NODE_URL"); v != "" {
		c.NodeURL = v
	}
	if v := os.Getenv("VEILSTRATUM_METRICS_ADDRESS"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("VEILSTRATUM_REDIS_ADDRESS"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("VEILSTRATUM_DASHBOARD_ADDRESS"); v != "" {
		c.DashboardAddr = v
	}
}
