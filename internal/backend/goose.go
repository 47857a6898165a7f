package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GooseRuntime runs assignments through the Goose CLI.
// Goose supports local LLM providers (Ollama, LM Studio, llama.cpp) via --provider and --model flags.
type GooseRuntime struct {
	workDir      string
	model        string
	provider     string
	systemPrompt string
	env          []string
	procMgr      *ProcessManager
}

// gooseResponse represents the JSON response structure from Goose CLI.
type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseRuntime creates a new Goose runtime.
func NewGooseRuntime(cfg Config, procMgr *ProcessManager) *GooseRuntime {
	return &GooseRuntime{
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		env:          cfg.Env,
		procMgr:      procMgr,
	}
}

func (g *GooseRuntime) Name() string { return "goose" }

// Execute runs the assignment in a named, single-use session.
func (g *GooseRuntime) Execute(ctx context.Context, a Assignment) (Result, error) {
	session := "taskloop-" + a.TaskID + "-" + uuid.NewString()[:8]

	cmd := newCommand(ctx, "goose", g.buildArgs(RenderPrompt(a), session)...)
	cmd.Dir = g.workDir
	if len(g.env) > 0 {
		cmd.Env = append(os.Environ(), g.env...)
	}

	stdout, _, err := executeCommand(ctx, cmd, g.procMgr, nil)
	if err != nil {
		return Result{}, fmt.Errorf("goose command failed: %w", err)
	}

	content, parseErr := parseGooseResponse(stdout)
	if parseErr != nil {
		// Older goose builds ignore --output-format and print plain text
		content = string(stdout)
	}
	return finish(a, content, session)
}

// buildArgs constructs the command-line arguments for the Goose CLI.
func (g *GooseRuntime) buildArgs(prompt, session string) []string {
	args := []string{"run", "--text", prompt, "--output-format", "json", "--name", session}

	if g.provider != "" {
		args = append(args, "--provider", g.provider)
	}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}
	if g.systemPrompt != "" {
		args = append(args, "--system", g.systemPrompt)
	}
	return args
}

// parseGooseResponse parses the JSON response from Goose CLI.
// Tries parsing as a single JSON object first.
// If that fails, tries newline-delimited JSON (stream-json format).
func parseGooseResponse(data []byte) (string, error) {
	var resp gooseResponse
	if err := json.Unmarshal(data, &resp); err == nil {
		return resp.Content, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lineResp gooseResponse
		if err := json.Unmarshal([]byte(line), &lineResp); err == nil && lineResp.Content != "" {
			contents = append(contents, lineResp.Content)
		}
	}

	if len(contents) > 0 {
		return strings.Join(contents, "\n"), nil
	}
	return "", fmt.Errorf("failed to parse Goose JSON response")
}
