package backend

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{cfg: Config{Type: "claude"}, wantName: "claude"},
		{cfg: Config{Type: "codex"}, wantName: "codex"},
		{cfg: Config{Type: "goose"}, wantName: "goose"},
		{cfg: Config{Type: "command", Command: []string{"./agent.sh"}}, wantName: "command:./agent.sh"},
		{cfg: Config{Type: "command"}, wantErr: true},
		{cfg: Config{Type: "unknown"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			rt, err := New(tt.cfg, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, rt.Name())
		})
	}
}

func TestClaudeRuntime_BuildArgs(t *testing.T) {
	rt := NewClaudeRuntime(Config{Model: "opus", SystemPrompt: "be terse"}, nil)
	sid := uuid.NewString()

	args := rt.buildArgs("do it", sid)
	assert.Equal(t, []string{
		"-p", "do it", "--output-format", "json", "--session-id", sid,
		"--model", "opus", "--system-prompt", "be terse",
	}, args)

	bare := NewClaudeRuntime(Config{}, nil).buildArgs("x", sid)
	assert.NotContains(t, bare, "--model")
	assert.NotContains(t, bare, "--system-prompt")
}

func TestParseClaudeResponse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantText    string
		wantSession string
		wantErr     bool
	}{
		{
			name:        "string result",
			input:       `{"session_id": "s1", "result": "Hello world"}`,
			wantText:    "Hello world",
			wantSession: "s1",
		},
		{
			name:        "nested content",
			input:       `{"session_id": "s2", "result": {"content": [{"type": "text", "text": "Part 1"}, {"type": "image"}, {"type": "text", "text": "Part 2"}]}}`,
			wantText:    "Part 1Part 2",
			wantSession: "s2",
		},
		{
			name:  "missing result",
			input: `{"wrong": "structure"}`,
		},
		{
			name:    "error flag",
			input:   `{"session_id": "s3", "result": "rate limited", "is_error": true}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `not valid json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, sid, err := parseClaudeResponse([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantSession, sid)
		})
	}
}

func TestCodexRuntime_BuildArgs(t *testing.T) {
	assert.Equal(t, []string{"exec", "go", "--json"}, NewCodexRuntime(Config{}, nil).buildArgs("go"))
	assert.Equal(t, []string{"exec", "go", "--json", "--model", "gpt-5"},
		NewCodexRuntime(Config{Model: "gpt-5"}, nil).buildArgs("go"))
}

func TestParseCodexEvents(t *testing.T) {
	stream := `{"type":"ThreadStarted","thread_id":"th-1"}
{"type":"ItemStarted"}

{"type":"TurnCompleted","content":"done"}
`
	threadID, content, err := parseCodexEvents([]byte(stream))
	require.NoError(t, err)
	assert.Equal(t, "th-1", threadID)
	assert.Equal(t, "done", content)

	threadID, content, err = parseCodexEvents(nil)
	require.NoError(t, err)
	assert.Empty(t, threadID)
	assert.Empty(t, content)

	_, _, err = parseCodexEvents([]byte("{broken"))
	require.Error(t, err)
}

func TestGooseRuntime_BuildArgs(t *testing.T) {
	rt := NewGooseRuntime(Config{Provider: "ollama", Model: "qwen", SystemPrompt: "sys"}, nil)
	assert.Equal(t, []string{
		"run", "--text", "p", "--output-format", "json", "--name", "s",
		"--provider", "ollama", "--model", "qwen", "--system", "sys",
	}, rt.buildArgs("p", "s"))
}

func TestParseGooseResponse(t *testing.T) {
	content, err := parseGooseResponse([]byte(`{"content": "single"}`))
	require.NoError(t, err)
	assert.Equal(t, "single", content)

	content, err = parseGooseResponse([]byte("{\"content\": \"a\"}\n{\"other\": 1}\n{\"content\": \"b\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb", content)

	_, err = parseGooseResponse([]byte("plain text output"))
	require.Error(t, err)
}
