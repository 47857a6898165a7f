package backend

import (
	"time"

	"github.com/aristath/taskloop/internal/scheduler"
)

// Assignment is everything an agent receives for one dispatched task.
type Assignment struct {
	TaskID             string                       `json:"task_id"`
	SkillID            string                       `json:"skill_id"`
	Category           scheduler.SkillCategory      `json:"category"`
	Name               string                       `json:"task_name"`
	Description        string                       `json:"description"`
	SkillPrompt        string                       `json:"skill_prompt,omitempty"`
	Inputs             scheduler.Inputs             `json:"inputs"`
	ValidationCriteria scheduler.ValidationCriteria `json:"validation_criteria"`
	RetryFeedback      *scheduler.RetryFeedback     `json:"retry_feedback,omitempty"`
	Attempt            int                          `json:"attempt"`
	Timeout            time.Duration                `json:"-"`
}

// ExpectsVerdict reports whether the agent must report a pass/fail verdict.
func (a Assignment) ExpectsVerdict() bool {
	return a.Category.TriggersRetry()
}

// Result is what an agent reports back for a finished task.
type Result struct {
	Output    string             `json:"output"`
	Verdict   *scheduler.Verdict `json:"verdict,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
}

// Config defines the configuration for a runtime.
type Config struct {
	Type         string   // "claude", "codex", "goose", or "command"
	Command      []string // argv for the "command" runtime
	WorkDir      string
	Model        string
	Provider     string // For Goose local LLMs (e.g., "ollama", "lmstudio", "llama.cpp")
	SystemPrompt string
	Env          []string // extra KEY=VALUE pairs
}
