package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ClaudeRuntime runs each assignment as a fresh Claude Code CLI session.
type ClaudeRuntime struct {
	workDir      string
	model        string
	systemPrompt string
	env          []string
	procMgr      *ProcessManager
}

// claudeResponse represents the JSON structure returned by Claude Code CLI.
// Example: {"session_id": "uuid", "result": "response text"}
// Older releases nested the text: {"result": {"content": [{"type": "text", "text": "..."}]}}
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
	IsError   bool            `json:"is_error"`
}

// NewClaudeRuntime creates a new Claude Code runtime.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewClaudeRuntime(cfg Config, procMgr *ProcessManager) *ClaudeRuntime {
	return &ClaudeRuntime{
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		env:          cfg.Env,
		procMgr:      procMgr,
	}
}

func (c *ClaudeRuntime) Name() string { return "claude" }

// Execute runs the assignment and parses the JSON response.
func (c *ClaudeRuntime) Execute(ctx context.Context, a Assignment) (Result, error) {
	sessionID := uuid.NewString()
	args := c.buildArgs(RenderPrompt(a), sessionID)

	cmd := newCommand(ctx, "claude", args...)
	cmd.Dir = c.workDir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdout, stderr, err := executeCommand(ctx, cmd, c.procMgr, nil)
	if err != nil {
		return Result{}, fmt.Errorf("claude command failed: %w", err)
	}

	text, sid, err := parseClaudeResponse(stdout)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(stderr))
	}
	if sid == "" {
		sid = sessionID
	}
	return finish(a, text, sid)
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (c *ClaudeRuntime) buildArgs(prompt, sessionID string) []string {
	args := []string{"-p", prompt, "--output-format", "json", "--session-id", sessionID}

	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if c.systemPrompt != "" {
		args = append(args, "--system-prompt", c.systemPrompt)
	}
	return args
}

// parseClaudeResponse extracts the response text and session id.
func parseClaudeResponse(data []byte) (string, string, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	text, err := claudeText(cr.Result)
	if err != nil {
		return "", "", err
	}
	if cr.IsError {
		return "", cr.SessionID, fmt.Errorf("claude reported an error: %s", text)
	}
	return text, cr.SessionID, nil
}

func claudeText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var nested struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return "", fmt.Errorf("unexpected result shape: %w", err)
	}
	for _, item := range nested.Content {
		if item.Type == "text" {
			text += item.Text
		}
	}
	return text, nil
}
