// Package config handles Concierge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Concierge configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`

	// CatalogFile points at a specialist catalog. Empty uses the
	// built-in Story Protocol catalog.
	CatalogFile string `yaml:"catalog_file"`

	ActionServers []ActionServerConfig `yaml:"action_servers"`

	// Context holds fields every new conversation starts with, such
	// as wallet_address.
	Context map[string]string `yaml:"context"`

	Driver    DriverConfig `yaml:"driver"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig routes one model name to a provider. Prices are in USD
// per million tokens; unpriced models count as free.
type ModelConfig struct {
	Name             string  `yaml:"name"`
	Provider         string  `yaml:"provider"` // ollama, anthropic
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// PricingEntry is the per-million-token price of one model.
type PricingEntry struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// ActionServerConfig describes one MCP server hosting specialist
// actions. The first server is the default for specialists that do
// not name one.
type ActionServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio or http

	// stdio
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	// http
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// TimeoutSec bounds a single action call. Zero means no limit
	// beyond the request's own deadline.
	TimeoutSec int `yaml:"timeout_sec"`
}

// DriverConfig bounds each conversation turn.
type DriverConfig struct {
	MaxSteps int `yaml:"max_steps"`
	MaxDepth int `yaml:"max_depth"`
}

// MQTTConfig defines the optional MQTT connection used to announce
// pending approvals and accept verdicts.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, so secrets can stay out of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse reads configuration from YAML bytes, applies defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Driver.MaxSteps == 0 {
		c.Driver.MaxSteps = 12
	}
	if c.Driver.MaxDepth == 0 {
		c.Driver.MaxDepth = 4
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	for i := range c.ActionServers {
		if c.ActionServers[i].Transport == "" {
			c.ActionServers[i].Transport = "stdio"
		}
	}
	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			c.MQTT.DeviceName = "concierge"
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
		if c.MQTT.PublishIntervalSec == 0 {
			c.MQTT.PublishIntervalSec = 60
		}
	}
}

// Validate checks the configuration for mistakes that would otherwise
// surface later as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, m := range c.Models.Available {
		if m.InputPerMillion < 0 || m.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("model %s: prices must not be negative", m.Name))
		}
		switch m.Provider {
		case "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %s uses anthropic but anthropic.api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider))
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.ActionServers {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Errorf("action_servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("action server %s defined twice", s.Name))
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("action server %s: stdio transport needs a command", s.Name))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("action server %s: http transport needs a url", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("action server %s: unknown transport %q", s.Name, s.Transport))
		}
	}

	if c.Driver.MaxSteps < 1 || c.Driver.MaxDepth < 1 {
		errs = append(errs, errors.New("driver.max_steps and driver.max_depth must be positive"))
	}

	return errors.Join(errs...)
}

// Pricing returns the priced models keyed by name.
func (c *Config) Pricing() map[string]PricingEntry {
	out := make(map[string]PricingEntry)
	for _, m := range c.Models.Available {
		if m.InputPerMillion > 0 || m.OutputPerMillion > 0 {
			out[m.Name] = PricingEntry{InputPerMillion: m.InputPerMillion, OutputPerMillion: m.OutputPerMillion}
		}
	}
	return out
}

// ProviderFor returns the provider configured for a model, or "".
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}
