package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		global  string
		project string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "no config files returns defaults",
			check: func(t *testing.T, cfg *Config) {
				assert.Len(t, cfg.Providers, 3)
				assert.Len(t, cfg.Agents, 4)
				assert.Equal(t, 3, cfg.Loop.MaxRetries)
				assert.Equal(t, 5, cfg.Loop.FeedbackHistory)
				assert.Equal(t, 4, cfg.Dispatch.Concurrency)
				assert.Equal(t, time.Second, cfg.Dispatch.PollInterval.Duration)
				assert.Equal(t, 1800, cfg.Dispatch.DefaultTimeoutSeconds)
			},
		},
		{
			name:   "global adds agent profile",
			global: `{"agents": {"security-review": {"provider": "goose", "llm_provider": "ollama", "model": "qwen"}}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Len(t, cfg.Agents, 5)
				assert.Equal(t, "ollama", cfg.Agents["security-review"].LLMProvider)
			},
		},
		{
			name:    "project overrides global",
			global:  `{"agents": {"development": {"provider": "codex"}}, "loop": {"max_retries": 7, "feedback_history": 2}}`,
			project: `{"agents": {"development": {"provider": "goose"}}, "loop": {"max_retries": 1}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "goose", cfg.Agents["development"].Provider)
				assert.Equal(t, 1, cfg.Loop.MaxRetries)
				// fields absent from the project file survive from the global one
				assert.Equal(t, 2, cfg.Loop.FeedbackHistory)
			},
		},
		{
			name:    "durations and command provider",
			project: `{"providers": {"local": {"type": "command", "command": ["./agent.sh", "--json"]}}, "dispatch": {"sweep_interval": "250ms"}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"./agent.sh", "--json"}, cfg.Providers["local"].Command)
				assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.SweepInterval.Duration)
				assert.Equal(t, time.Second, cfg.Dispatch.PollInterval.Duration)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			global := filepath.Join(dir, "global", "config.json")
			project := filepath.Join(dir, "project", "config.json")
			if tt.global != "" {
				writeFile(t, global, tt.global)
			}
			if tt.project != "" {
				writeFile(t, project, tt.project)
			}

			cfg, err := Load(global, project)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"loop": {`)

	_, err := Load(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading global config")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"negative retries":  `{"loop": {"max_retries": -1}}`,
		"zero concurrency":  `{"dispatch": {"concurrency": 0}}`,
		"bad duration":      `{"dispatch": {"poll_interval": "soon"}}`,
		"unknown provider":  `{"agents": {"critique": {"provider": "nope"}}}`,
		"no feedback slots": `{"loop": {"feedback_history": 0}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			writeFile(t, path, body)
			_, err := Load("", path)
			require.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKLOOP_DB_PATH", "/tmp/tasks.db")
	t.Setenv("TASKLOOP_HTTP_ADDR", ":9000")
	t.Setenv("TASKLOOP_MAX_RETRIES", "0")
	t.Setenv("TASKLOOP_CONCURRENCY", "9")
	t.Setenv("TASKLOOP_DISPATCH", "false")
	t.Setenv("TASKLOOP_CORS_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("TASKLOOP_SWEEP_INTERVAL", "2s")

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"loop": {"max_retries": 5}, "store": {"path": "file.db"}}`)

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tasks.db", cfg.Store.Path)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 0, cfg.Loop.MaxRetries)
	assert.Equal(t, 9, cfg.Dispatch.Concurrency)
	assert.False(t, cfg.Dispatch.Enabled)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.SweepInterval.Duration)
}

func TestLoad_EnvInvalid(t *testing.T) {
	t.Setenv("TASKLOOP_MAX_RETRIES", "many")
	_, err := Load("", "")
	require.Error(t, err)
}
