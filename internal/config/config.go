// Package config loads the YAML configuration file, applies defaults and
// PLANPILOT_* environment overrides, and watches the file for changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Agent    AgentConfig    `yaml:"agent"`
	Composer ComposerConfig `yaml:"composer"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig configures the remote-agent capability client.
type AgentConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
	MaxSteps int    `yaml:"max_steps"`
}

// ComposerConfig configures the optional plan composer. Disabled when the
// API key is empty.
type ComposerConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// EngineConfig configures step execution.
type EngineConfig struct {
	// StepBudget bounds how long one execution attempt may wait for a
	// decodable response before the attempt is abandoned.
	StepBudget string `yaml:"step_budget"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Store:   StoreConfig{Path: "planpilot.db"},
		Agent:   AgentConfig{Timeout: "10m", MaxSteps: 40},
		Engine:  EngineConfig{StepBudget: "5m"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, merging over defaults and then
// applying environment overrides. A missing file is not an error; defaults
// plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString(&c.Server.Addr, "PLANPILOT_SERVER_ADDR")
	setString(&c.Store.Path, "PLANPILOT_STORE_PATH")
	setString(&c.Agent.APIKey, "PLANPILOT_AGENT_API_KEY")
	setString(&c.Agent.BaseURL, "PLANPILOT_AGENT_BASE_URL")
	setString(&c.Agent.Model, "PLANPILOT_AGENT_MODEL")
	setString(&c.Agent.Timeout, "PLANPILOT_AGENT_TIMEOUT")
	setString(&c.Composer.APIKey, "PLANPILOT_COMPOSER_API_KEY")
	setString(&c.Composer.Model, "PLANPILOT_COMPOSER_MODEL")
	setString(&c.Engine.StepBudget, "PLANPILOT_STEP_BUDGET")
	setString(&c.Logging.Level, "PLANPILOT_LOG_LEVEL")
}

func (c *Config) validate() error {
	if _, err := c.Engine.StepBudgetDuration(); err != nil {
		return fmt.Errorf("invalid engine.step_budget: %w", err)
	}
	if _, err := c.Agent.TimeoutDuration(); err != nil {
		return fmt.Errorf("invalid agent.timeout: %w", err)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

// StepBudgetDuration parses the step budget, defaulting to 5 minutes.
func (e EngineConfig) StepBudgetDuration() (time.Duration, error) {
	if e.StepBudget == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(e.StepBudget)
}

// TimeoutDuration parses the agent HTTP timeout, defaulting to 10 minutes.
func (a AgentConfig) TimeoutDuration() (time.Duration, error) {
	if a.Timeout == "" {
		return 10 * time.Minute, nil
	}
	return time.ParseDuration(a.Timeout)
}
