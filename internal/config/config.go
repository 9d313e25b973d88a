// Package config handles replay-agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/replay-agent/config.yaml,
// /etc/replay-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "replay-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/replay-agent/config.yaml")
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

// Supported model providers.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
)

// Config holds all replay-agent configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Model     ModelConfig  `yaml:"model"`
	Agent     AgentConfig  `yaml:"agent"`
	Replay    ReplayConfig `yaml:"replay"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text or json

	// Pricing maps model names to per-million token prices. Models
	// not listed are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry holds per-million token costs for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelConfig selects the inference provider and model.
type ModelConfig struct {
	Provider string `yaml:"provider"` // anthropic, openrouter, openai, ollama
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	// BaseURL overrides the provider endpoint (proxies, local gateways).
	BaseURL string `yaml:"base_url"`

	Reasoning       bool `yaml:"reasoning"`
	ReasoningBudget int  `yaml:"reasoning_budget"` // tokens
	MaxTokens       int  `yaml:"max_tokens"`
}

// AgentConfig bounds a single agent turn.
type AgentConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	MaxResponseBytes int           `yaml:"max_response_bytes"`
	EvalTimeout      time.Duration `yaml:"eval_timeout"`
}

// ReplayConfig controls the raw-socket replay client used by the
// standalone server.
type ReplayConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	VerifyTLS        bool          `yaml:"verify_tls"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"` // read cap, not the model-facing cap
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			Provider:        ProviderAnthropic,
			Name:            "claude-sonnet-4-5",
			ReasoningBudget: 2048,
			MaxTokens:       8192,
		},
		Agent: AgentConfig{
			MaxIterations:    25,
			SendTimeout:      30 * time.Second,
			MaxResponseBytes: 8000,
			EvalTimeout:      2 * time.Second,
		},
		Replay: ReplayConfig{
			Timeout:          30 * time.Second,
			MaxResponseBytes: 16 << 20,
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills zero values an explicit "0" or "" in the file
// would otherwise leave behind.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Model.Provider == "" {
		c.Model.Provider = d.Model.Provider
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = d.Model.MaxTokens
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Agent.SendTimeout <= 0 {
		c.Agent.SendTimeout = d.Agent.SendTimeout
	}
	if c.Agent.MaxResponseBytes <= 0 {
		c.Agent.MaxResponseBytes = d.Agent.MaxResponseBytes
	}
	if c.Agent.EvalTimeout <= 0 {
		c.Agent.EvalTimeout = d.Agent.EvalTimeout
	}
	if c.Replay.Timeout <= 0 {
		c.Replay.Timeout = d.Replay.Timeout
	}
	if c.Replay.MaxResponseBytes <= 0 {
		c.Replay.MaxResponseBytes = d.Replay.MaxResponseBytes
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Model.Provider) {
	case ProviderAnthropic, ProviderOpenRouter, ProviderOpenAI, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("model.provider: unknown provider %q", c.Model.Provider))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.APIKey == "" && c.Model.Provider != ProviderOllama {
		errs = append(errs, errors.New("model.api_key is required"))
	}
	if c.Model.Reasoning && c.Model.ReasoningBudget > 0 && c.Model.ReasoningBudget >= c.Model.MaxTokens {
		errs = append(errs, fmt.Errorf("model.reasoning_budget (%d) must be below model.max_tokens (%d)",
			c.Model.ReasoningBudget, c.Model.MaxTokens))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
