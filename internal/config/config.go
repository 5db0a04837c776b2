// Package config loads vibewidget configuration from YAML with environment
// overrides. A missing config file is not an error: defaults apply.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the workspace-relative config file location.
const DefaultPath = ".vibewidget/config.yaml"

// Config holds all vibewidget configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configures the generation/repair model.
	LLM LLMConfig `yaml:"llm"`

	// Sandbox configures the code loader.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Audit configures the review session.
	Audit AuditConfig `yaml:"audit"`

	// Logging configures category file logging.
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the language model provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// SandboxConfig configures compilation and the retry budget.
type SandboxConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	CompileTimeout string   `yaml:"compile_timeout"`
	ExtraImports   []string `yaml:"extra_imports"` // beyond the safe-stdlib whitelist
}

// AuditConfig configures the review session.
type AuditConfig struct {
	// Level selects the audit depth: fast or full.
	Level string `yaml:"level"`
	// MandatoryApproval blocks closing the editor with unsaved edits until
	// the host approves.
	MandatoryApproval bool `yaml:"mandatory_approval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "vibewidget",
		Version: "0.4.0",

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},

		Sandbox: SandboxConfig{
			MaxRetries:     2,
			CompileTimeout: "30s",
		},

		Audit: AuditConfig{
			Level: "fast",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. Defaults apply for a missing
// file and for any field the file omits.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	// VIBEWIDGET_API_KEY takes priority over provider-specific variables.
	if key := os.Getenv("VIBEWIDGET_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("VIBEWIDGET_MODEL"); model != "" {
		c.LLM.Model = model
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetCompileTimeout returns the sandbox compile timeout as a duration.
func (c *Config) GetCompileTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.CompileTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate checks constraints a config file could violate.
func (c *Config) Validate() error {
	if c.Sandbox.MaxRetries < 0 {
		return fmt.Errorf("sandbox.max_retries must be >= 0, got %d", c.Sandbox.MaxRetries)
	}
	switch c.Audit.Level {
	case "fast", "full":
	default:
		return fmt.Errorf("audit.level must be fast or full, got %q", c.Audit.Level)
	}
	return nil
}
