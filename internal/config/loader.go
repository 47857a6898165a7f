package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. TASKLOOP_DB_PATH.
const EnvPrefix = "TASKLOOP"

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): environment, project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskloop/config.json
// Project: .taskloop/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	return Load(GlobalPath(), ProjectPath())
}

// GlobalPath returns ~/.taskloop/config.json, or "" without a home directory.
func GlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DirName, "config.json")
}

// ProjectPath returns .taskloop/config.json relative to the working directory.
func ProjectPath() string {
	return filepath.Join(DirName, "config.json")
}

// mergeConfigFile decodes a JSON config file over base. Sections and map
// entries present in the file replace their defaults; everything else is
// kept. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// envOverrides lists the settings operators commonly change per deployment.
type envOverrides struct {
	DBPath      string   `envconfig:"DB_PATH"`
	HTTPAddr    string   `envconfig:"HTTP_ADDR"`
	LogLevel    string   `envconfig:"LOG_LEVEL"`
	LogFormat   string   `envconfig:"LOG_FORMAT"`
	MaxRetries  *int     `envconfig:"MAX_RETRIES"`
	Concurrency *int     `envconfig:"CONCURRENCY"`
	SkillsDir   string   `envconfig:"SKILLS_DIR"`
	Dispatch    *bool    `envconfig:"DISPATCH"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
	Sweep       Duration `envconfig:"SWEEP_INTERVAL"`
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading %s_* environment: %w", EnvPrefix, err)
	}

	if env.DBPath != "" {
		cfg.Store.Path = env.DBPath
	}
	if env.HTTPAddr != "" {
		cfg.Server.Addr = env.HTTPAddr
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Log.Format = env.LogFormat
	}
	if env.MaxRetries != nil {
		cfg.Loop.MaxRetries = *env.MaxRetries
	}
	if env.Concurrency != nil {
		cfg.Dispatch.Concurrency = *env.Concurrency
	}
	if env.SkillsDir != "" {
		cfg.Skills.Dir = env.SkillsDir
	}
	if env.Dispatch != nil {
		cfg.Dispatch.Enabled = *env.Dispatch
	}
	if len(env.CORSOrigins) > 0 {
		cfg.Server.CORSOrigins = env.CORSOrigins
	}
	if env.Sweep.Duration > 0 {
		cfg.Dispatch.SweepInterval = env.Sweep
	}
	return nil
}
