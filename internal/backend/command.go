package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// CommandRuntime runs an arbitrary executable per assignment. The
// assignment is written to stdin as JSON and the process prints a Result
// as JSON on stdout. Non-JSON stdout is taken as plain output.
type CommandRuntime struct {
	argv    []string
	workDir string
	env     []string
	procMgr *ProcessManager
}

// NewCommandRuntime creates a runtime for cfg.Command.
func NewCommandRuntime(cfg Config, procMgr *ProcessManager) (*CommandRuntime, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("command runtime requires a command")
	}
	return &CommandRuntime{
		argv:    cfg.Command,
		workDir: cfg.WorkDir,
		env:     cfg.Env,
		procMgr: procMgr,
	}, nil
}

func (c *CommandRuntime) Name() string { return "command:" + c.argv[0] }

// Execute runs the command once.
func (c *CommandRuntime) Execute(ctx context.Context, a Assignment) (Result, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode assignment: %w", err)
	}

	cmd := newCommand(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.workDir
	cmd.Env = append(os.Environ(),
		"TASKLOOP_TASK_ID="+a.TaskID,
		"TASKLOOP_SKILL_ID="+a.SkillID,
		"TASKLOOP_CATEGORY="+string(a.Category),
	)
	cmd.Env = append(cmd.Env, c.env...)

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr, payload)
	if err != nil {
		return Result{}, err
	}

	trimmed := strings.TrimSpace(string(stdout))
	var res Result
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &res) == nil {
		if res.Verdict != nil {
			if err := res.Verdict.Validate(); err != nil {
				return Result{}, fmt.Errorf("task %s: %w", a.TaskID, err)
			}
			return res, nil
		}
		return finish(a, res.Output, res.SessionID)
	}
	return finish(a, trimmed, "")
}
