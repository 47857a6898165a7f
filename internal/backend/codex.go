package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CodexRuntime runs assignments through the `codex exec` CLI.
type CodexRuntime struct {
	workDir string
	model   string
	env     []string
	procMgr *ProcessManager
}

// codexEvent is the base event type for all Codex events.
type codexEvent struct {
	Type string `json:"type"`
}

// codexThreadStarted represents the ThreadStarted event.
type codexThreadStarted struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// codexTurnCompleted represents the TurnCompleted event.
type codexTurnCompleted struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewCodexRuntime creates a new Codex runtime.
func NewCodexRuntime(cfg Config, procMgr *ProcessManager) *CodexRuntime {
	return &CodexRuntime{
		workDir: cfg.WorkDir,
		model:   cfg.Model,
		env:     cfg.Env,
		procMgr: procMgr,
	}
}

func (c *CodexRuntime) Name() string { return "codex" }

// Execute runs the assignment in a new thread.
func (c *CodexRuntime) Execute(ctx context.Context, a Assignment) (Result, error) {
	cmd := newCommand(ctx, "codex", c.buildArgs(RenderPrompt(a))...)
	cmd.Dir = c.workDir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr, nil)
	if err != nil {
		return Result{}, fmt.Errorf("codex command failed: %w", err)
	}

	threadID, content, err := parseCodexEvents(stdout)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse codex events: %w", err)
	}
	return finish(a, content, threadID)
}

// buildArgs constructs the command arguments for codex CLI:
// ["exec", prompt, "--json", "--model", model]
func (c *CodexRuntime) buildArgs(prompt string) []string {
	args := []string{"exec", prompt, "--json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

// parseCodexEvents parses newline-delimited JSON events from Codex CLI output.
// It extracts the thread_id from ThreadStarted events and content from TurnCompleted events.
func parseCodexEvents(data []byte) (threadID string, content string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if parseErr := json.Unmarshal([]byte(line), &evt); parseErr != nil {
			return "", "", fmt.Errorf("failed to parse event type: %w", parseErr)
		}

		switch evt.Type {
		case "ThreadStarted":
			var started codexThreadStarted
			if parseErr := json.Unmarshal([]byte(line), &started); parseErr != nil {
				return "", "", fmt.Errorf("failed to parse ThreadStarted event: %w", parseErr)
			}
			threadID = started.ThreadID

		case "TurnCompleted":
			var completed codexTurnCompleted
			if parseErr := json.Unmarshal([]byte(line), &completed); parseErr != nil {
				return "", "", fmt.Errorf("failed to parse TurnCompleted event: %w", parseErr)
			}
			content = completed.Content
		}
	}

	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("error reading events: %w", err)
	}

	return threadID, content, nil
}
