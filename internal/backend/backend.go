package backend

import (
	"context"
	"fmt"
)

// Runtime executes one dispatched task. Implementations run the task to
// completion and return its result; an error means the worker itself
// failed, never that the work was judged bad.
type Runtime interface {
	Execute(ctx context.Context, a Assignment) (Result, error)

	// Name identifies the runtime in logs and circuit breakers.
	Name() string
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, a Assignment) (Result, error)

func (f RuntimeFunc) Execute(ctx context.Context, a Assignment) (Result, error) { return f(ctx, a) }

func (f RuntimeFunc) Name() string { return "func" }

// New creates a runtime based on the provided configuration.
func New(cfg Config, pm *ProcessManager) (Runtime, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeRuntime(cfg, pm), nil
	case "codex":
		return NewCodexRuntime(cfg, pm), nil
	case "goose":
		return NewGooseRuntime(cfg, pm), nil
	case "command":
		return NewCommandRuntime(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
