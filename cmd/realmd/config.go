package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/realm/engine"
)

// Config is the realmd configuration, loaded from an optional YAML file
// and overridable by environment variables.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// Database is the SQLite change-history path.
	Database string `yaml:"database"`
	// Watch lists source files to track at startup; registrations add more.
	Watch []string `yaml:"watch"`
	// WatchInterval is the file-poll frequency.
	WatchInterval time.Duration `yaml:"watch_interval"`
	// WatchDebounce is the quiet window after an external change.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	// Conflicts picks the resolution strategy:
	// last-write-wins, first-write-wins, or manual.
	Conflicts string `yaml:"conflicts"`
	// MCPTransport enables the MCP tool surface; "" or "stdio".
	MCPTransport string `yaml:"mcp_transport"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":7465"
	}
	if c.Database == "" {
		c.Database = "db/realm.db"
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Second
	}
	if c.WatchDebounce < 0 {
		c.WatchDebounce = 0
	}
	if c.Conflicts == "" {
		c.Conflicts = string(engine.LastWriteWins)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// loadConfig reads the YAML file named by REALM_CONFIG (when set), then
// applies environment overrides and defaults.
func loadConfig() (Config, error) {
	var cfg Config
	if path := os.Getenv("REALM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v := os.Getenv("REALM_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("REALM_DB"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("REALM_CONFLICTS"); v != "" {
		cfg.Conflicts = v
	}
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		cfg.MCPTransport = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.defaults()
	switch engine.ConflictStrategy(cfg.Conflicts) {
	case engine.LastWriteWins, engine.FirstWriteWins, engine.ManualResolve:
	default:
		return cfg, fmt.Errorf("config: unknown conflict strategy %q", cfg.Conflicts)
	}
	return cfg, nil
}
