package config

import (
	"fmt"
	"time"
)

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Type    string   `json:"type"`              // Backend type matching backend.Config.Type: "claude", "codex", "goose", "command"
	Command []string `json:"command,omitempty"` // argv for the "command" type
	Env     []string `json:"env,omitempty"`     // Extra KEY=VALUE pairs for every invocation
}

// AgentConfig binds a runtime profile to a provider and model. Profiles are
// looked up by the skill's runtime field, then by its category.
type AgentConfig struct {
	Provider     string `json:"provider"`                // Key into Providers map
	Model        string `json:"model,omitempty"`         // Model override (e.g., "opus", "gpt-5")
	LLMProvider  string `json:"llm_provider,omitempty"`  // Goose local LLM provider (e.g., "ollama")
	SystemPrompt string `json:"system_prompt,omitempty"` // Role-specific system prompt
}

// LoopConfig bounds the correctness loop.
type LoopConfig struct {
	MaxRetries      int `json:"max_retries"`
	FeedbackHistory int `json:"feedback_history"`
}

// DispatchConfig tunes the in-process dispatcher.
type DispatchConfig struct {
	Enabled               bool     `json:"enabled"`
	Concurrency           int      `json:"concurrency"`
	PollInterval          Duration `json:"poll_interval"`
	SweepInterval         Duration `json:"sweep_interval"`
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds"`
	WorkDir               string   `json:"work_dir,omitempty"`
}

// StoreConfig locates the task database.
type StoreConfig struct {
	Path string `json:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// SkillsConfig locates the skill bundles.
type SkillsConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Loop      LoopConfig                `json:"loop"`
	Dispatch  DispatchConfig            `json:"dispatch"`
	Store     StoreConfig               `json:"store"`
	Server    ServerConfig              `json:"server"`
	Skills    SkillsConfig              `json:"skills"`
	Log       LogConfig                 `json:"log"`
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Loop.MaxRetries < 0 {
		return fmt.Errorf("loop.max_retries must not be negative, got %d", c.Loop.MaxRetries)
	}
	if c.Loop.FeedbackHistory < 1 {
		return fmt.Errorf("loop.feedback_history must be at least 1, got %d", c.Loop.FeedbackHistory)
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be at least 1, got %d", c.Dispatch.Concurrency)
	}
	if c.Dispatch.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("dispatch.default_timeout_seconds must be positive, got %d", c.Dispatch.DefaultTimeoutSeconds)
	}
	if c.Dispatch.PollInterval.Duration <= 0 || c.Dispatch.SweepInterval.Duration <= 0 {
		return fmt.Errorf("dispatch intervals must be positive")
	}
	for name, agent := range c.Agents {
		if _, ok := c.Providers[agent.Provider]; !ok {
			return fmt.Errorf("agent %q references unknown provider %q", name, agent.Provider)
		}
	}
	return nil
}

// Duration is a time.Duration written as "30s" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}
