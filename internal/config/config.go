// Package config handles Aigent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./aigent.yaml, ~/.config/aigent/config.yaml, /etc/aigent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"aigent.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aigent", "config.yaml"))
	}

	paths = append(paths, "/etc/aigent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// An empty path with a nil error means no file was found and defaults apply.
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
	return "", nil
}

// Thinking depth labels accepted by /think and agent.thinking_level.
const (
	ThinkingLow      = "low"
	ThinkingBalanced = "balanced"
	ThinkingDeep     = "deep"
)

// Config holds all Aigent configuration.
type Config struct {
	Agent     AgentConfig `yaml:"agent"`
	LLM       LLMConfig   `yaml:"llm"`
	TUI       TUIConfig   `yaml:"tui"`
	DataDir   string      `yaml:"data_dir"`
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"` // text (default) or json
}

// AgentConfig describes the agent's identity.
type AgentConfig struct {
	Name          string `yaml:"name"`
	ThinkingLevel string `yaml:"thinking_level"` // low, balanced, deep
}

// LLMConfig selects the primary provider and per-provider models.
type LLMConfig struct {
	// Provider is the primary provider: "ollama" or "openrouter".
	Provider        string `yaml:"provider"`
	OllamaModel     string `yaml:"ollama_model"`
	OpenRouterModel string `yaml:"openrouter_model"`
	// OllamaBaseURL is overridden at runtime by OLLAMA_BASE_URL when set.
	OllamaBaseURL string `yaml:"ollama_base_url"`
}

// TUIConfig tunes the interactive session.
type TUIConfig struct {
	TickIntervalMs int `yaml:"tick_interval_ms"`
	// HistoryTurns is how many turns the session retains for display.
	// Values below the six-turn prompt window are raised to it.
	HistoryTurns int `yaml:"history_turns"`
}

// TickInterval returns the thinking-indicator tick as a duration.
func (t TUIConfig) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

// ActiveModel returns the model name configured for the primary provider.
func (c *Config) ActiveModel() string {
	if strings.EqualFold(c.LLM.Provider, "openrouter") {
		return c.LLM.OpenRouterModel
	}
	return c.LLM.OllamaModel
}

// SetActiveModel updates the model for the primary provider.
func (c *Config) SetActiveModel(model string) {
	if strings.EqualFold(c.LLM.Provider, "openrouter") {
		c.LLM.OpenRouterModel = model
		return
	}
	c.LLM.OllamaModel = model
}

// Load reads configuration from a YAML file. Missing fields keep their
// defaults.
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration back to path as YAML. Used to persist
// /model and /think changes made during a session.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LLM.Provider) {
	case "ollama", "openrouter":
	default:
		return fmt.Errorf("llm.provider %q: expected ollama or openrouter", c.LLM.Provider)
	}
	if ParseThinkingLevel(c.Agent.ThinkingLevel) == "" {
		return fmt.Errorf("agent.thinking_level %q: expected low, balanced, or deep", c.Agent.ThinkingLevel)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseThinkingLevel normalizes a thinking level, returning "" when the
// value is not recognized. "medium" is accepted as balanced.
func ParseThinkingLevel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "fast":
		return ThinkingLow
	case "balanced", "medium":
		return ThinkingBalanced
	case "deep", "high":
		return ThinkingDeep
	default:
		return ""
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Agent.Name == "" {
		c.Agent.Name = d.Agent.Name
	}
	if c.Agent.ThinkingLevel == "" {
		c.Agent.ThinkingLevel = d.Agent.ThinkingLevel
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = d.LLM.Provider
	}
	if c.LLM.OllamaModel == "" {
		c.LLM.OllamaModel = d.LLM.OllamaModel
	}
	if c.LLM.OpenRouterModel == "" {
		c.LLM.OpenRouterModel = d.LLM.OpenRouterModel
	}
	if c.LLM.OllamaBaseURL == "" {
		c.LLM.OllamaBaseURL = d.LLM.OllamaBaseURL
	}
	if c.TUI.TickIntervalMs <= 0 {
		c.TUI.TickIntervalMs = d.TUI.TickIntervalMs
	}
	if c.TUI.HistoryTurns <= 0 {
		c.TUI.HistoryTurns = d.TUI.HistoryTurns
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:          "Aigent",
			ThinkingLevel: ThinkingBalanced,
		},
		LLM: LLMConfig{
			Provider:        "ollama",
			OllamaModel:     "llama3.1:8b",
			OpenRouterModel: "openai/gpt-4o-mini",
			OllamaBaseURL:   "http://localhost:11434",
		},
		TUI: TUIConfig{
			TickIntervalMs: 120,
			HistoryTurns:   8,
		},
		DataDir: ".aigent",
	}
}
