// Package config handles Gizmo configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gizmo/config.yaml, /etc/gizmo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gizmo", "config.yaml"))
	}

	paths = append(paths, "/etc/gizmo/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Store backends accepted in store.backend.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds all Gizmo configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen"`
	Coach     CoachConfig   `yaml:"coach"`
	Gemini    GeminiConfig  `yaml:"gemini"`
	Gateway   GatewayConfig `yaml:"gateway"`
	Store     StoreConfig   `yaml:"store"`
	Language  string        `yaml:"language"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// CoachConfig points at the upstream prompt provider that supplies the
// enriched system prompt and the current emotion label.
type CoachConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"` // Default 10
}

// Timeout returns the per-call coach timeout.
func (c CoachConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// GeminiConfig defines the text-generation provider.
type GeminiConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"` // Per round; default 120
}

// Timeout returns the per-round generation timeout.
func (c GeminiConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Configured reports whether an API key is present.
func (c GeminiConfig) Configured() bool {
	return c.APIKey != ""
}

// GatewayConfig defines the MCP tool gateway connection.
type GatewayConfig struct {
	// URL is the full MCP endpoint, e.g. http://localhost:5002/mcp.
	// Empty disables tool use entirely.
	URL        string            `yaml:"url"`
	TimeoutSec int               `yaml:"timeout_sec"` // Per call; default 30
	Headers    map[string]string `yaml:"headers"`

	// ValidateArguments checks model-supplied tool arguments against the
	// tool's input schema before calling the gateway. Nil means true.
	ValidateArguments *bool `yaml:"validate_arguments"`
}

// Timeout returns the per-call gateway timeout.
func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Validate reports whether argument validation is enabled.
func (c GatewayConfig) Validate() bool {
	return c.ValidateArguments == nil || *c.ValidateArguments
}

// Configured reports whether a gateway URL is set.
func (c GatewayConfig) Configured() bool {
	return c.URL != ""
}

// StoreConfig selects the conversation persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // badger (default), sqlite, memory
	// Path is the badger directory or sqlite file. Relative to data_dir
	// when not absolute.
	Path           string `yaml:"path"`
	PersistRetries int    `yaml:"persist_retries"` // Default 3
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Coach:   CoachConfig{URL: "http://localhost:5001"},
		Gateway: GatewayConfig{URL: "http://localhost:5002/mcp"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5000
	}
	if c.Coach.TimeoutSec <= 0 {
		c.Coach.TimeoutSec = 10
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Gemini.TimeoutSec <= 0 {
		c.Gemini.TimeoutSec = 120
	}
	if c.Gateway.TimeoutSec <= 0 {
		c.Gateway.TimeoutSec = 30
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendBadger
	}
	if c.Store.PersistRetries <= 0 {
		c.Store.PersistRetries = 3
	}
	if c.Language == "" {
		c.Language = "de"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate checks the configuration for values that would fail at
// runtime. It is called by Load after defaults are applied.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendBadger, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("store.backend %q is not supported (valid: badger, sqlite, memory)", c.Store.Backend)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}
	if c.Gemini.Model == "" {
		return fmt.Errorf("gemini.model is required")
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	return nil
}

// StorePath resolves the store path against DataDir. Empty paths get a
// backend-specific default name.
func (c *Config) StorePath() string {
	p := c.Store.Path
	if p == "" {
		switch c.Store.Backend {
		case BackendSQLite:
			p = "gizmo.db"
		default:
			p = "chats"
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
