package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Provider     ProviderConfig     `yaml:"provider"`
	Storage      StorageConfig      `yaml:"storage"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Agents       []AgentConfig      `yaml:"agents"`
}

// OrchestratorConfig holds routing and fallback settings.
type OrchestratorConfig struct {
	// DefaultAgent names the agent substituted when classification yields
	// no selection. Empty disables the fallback.
	DefaultAgent string `yaml:"default_agent"`
	// UseDefaultAgentOnNone enables the fallback-with-confidence-0 path.
	UseDefaultAgentOnNone bool `yaml:"use_default_agent_on_none"`
	// MaxMessagePairs bounds stored history per agent, in user/assistant
	// pairs. 0 = unlimited.
	MaxMessagePairs            int    `yaml:"max_message_pairs"`
	ClassificationErrorMessage string `yaml:"classification_error_message"`
	NoAgentMessage             string `yaml:"no_agent_message"`
	DispatchErrorMessage       string `yaml:"dispatch_error_message"`
}

// ClassifierConfig holds classifier LLM settings.
type ClassifierConfig struct {
	Model          string `yaml:"model"`
	PromptTemplate string `yaml:"prompt_template,omitempty"`
}

// ProviderConfig describes an OpenAI-compatible LLM endpoint.
type ProviderConfig struct {
	Name           string        `yaml:"name"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	CircuitBreaker bool          `yaml:"circuit_breaker"`
}

// StorageConfig selects the chat storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite only
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr", or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// AgentConfig defines one LLM-backed agent registered at startup.
type AgentConfig struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	SystemPrompt  string `yaml:"system_prompt"`
	Model         string `yaml:"model,omitempty"`
	Streaming     bool   `yaml:"streaming,omitempty"`
	SaveChat      *bool  `yaml:"save_chat,omitempty"` // nil = true
	MaxRecursions int    `yaml:"max_recursions,omitempty"`
}

// Load reads and validates a YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stderr"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 60 * time.Second
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
}

// Validate rejects configurations the wiring code cannot act on.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: sqlite backend requires a path")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name must not be empty", i)
		}
		if a.Description == "" {
			return fmt.Errorf("agents[%d] (%s): description must not be empty", i, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}
