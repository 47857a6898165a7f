package config

import (
	"path/filepath"
	"time"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".taskloop"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {Type: "claude"},
			"codex":  {Type: "codex"},
			"goose":  {Type: "goose"},
		},
		Agents: map[string]AgentConfig{
			"development": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"testing": {
				Provider:     "claude",
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
			"critique": {
				Provider:     "claude",
				SystemPrompt: "You review work for correctness against its validation criteria and report a verdict.",
			},
			"metadata": {
				Provider:     "claude",
				SystemPrompt: "You summarise and annotate finished work.",
			},
		},
		Loop: LoopConfig{
			MaxRetries:      3,
			FeedbackHistory: 5,
		},
		Dispatch: DispatchConfig{
			Enabled:               true,
			Concurrency:           4,
			PollInterval:          Duration{time.Second},
			SweepInterval:         Duration{5 * time.Second},
			DefaultTimeoutSeconds: 1800,
		},
		Store: StoreConfig{
			Path: filepath.Join(DirName, "taskloop.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		Skills: SkillsConfig{
			Dir:   filepath.Join(DirName, "skills"),
			Watch: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
