package orchestrator

import (
	"fmt"
	"sync"

	"github.com/aristath/taskloop/internal/backend"
	"github.com/aristath/taskloop/internal/config"
	"github.com/aristath/taskloop/internal/scheduler"
	"github.com/aristath/taskloop/internal/skills"
)

// RuntimeSource picks the agent runtime for a task. skill is nil for tasks
// whose skill is not registered.
type RuntimeSource interface {
	RuntimeFor(task *scheduler.Task, skill *skills.Skill, category scheduler.SkillCategory) (backend.Runtime, error)
}

// RuntimeSourceFunc adapts a function to RuntimeSource.
type RuntimeSourceFunc func(task *scheduler.Task, skill *skills.Skill, category scheduler.SkillCategory) (backend.Runtime, error)

func (f RuntimeSourceFunc) RuntimeFor(task *scheduler.Task, skill *skills.Skill, category scheduler.SkillCategory) (backend.Runtime, error) {
	return f(task, skill, category)
}

// StaticRuntime runs every task on rt.
func StaticRuntime(rt backend.Runtime) RuntimeSource {
	return RuntimeSourceFunc(func(*scheduler.Task, *skills.Skill, scheduler.SkillCategory) (backend.Runtime, error) {
		return rt, nil
	})
}

// ConfigRuntimes resolves runtimes from the agents and providers sections
// of the configuration. The profile is the skill's runtime field, else the
// name of its category. Runtimes are built once per profile.
type ConfigRuntimes struct {
	cfg *config.Config
	pm  *backend.ProcessManager

	mu    sync.Mutex
	cache map[string]backend.Runtime
}

// NewConfigRuntimes creates a ConfigRuntimes.
func NewConfigRuntimes(cfg *config.Config, pm *backend.ProcessManager) *ConfigRuntimes {
	return &ConfigRuntimes{cfg: cfg, pm: pm, cache: make(map[string]backend.Runtime)}
}

// RuntimeFor implements RuntimeSource.
func (c *ConfigRuntimes) RuntimeFor(task *scheduler.Task, skill *skills.Skill, category scheduler.SkillCategory) (backend.Runtime, error) {
	profile := string(category)
	if skill != nil && skill.Runtime != "" {
		profile = skill.Runtime
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rt, ok := c.cache[profile]; ok {
		return rt, nil
	}

	agent, ok := c.cfg.Agents[profile]
	if !ok {
		return nil, fmt.Errorf("no agent profile %q for skill %s", profile, task.SkillID)
	}
	provider, ok := c.cfg.Providers[agent.Provider]
	if !ok {
		return nil, fmt.Errorf("agent profile %q references unknown provider %q", profile, agent.Provider)
	}

	rt, err := backend.New(backend.Config{
		Type:         provider.Type,
		Command:      provider.Command,
		WorkDir:      c.cfg.Dispatch.WorkDir,
		Model:        agent.Model,
		Provider:     agent.LLMProvider,
		SystemPrompt: agent.SystemPrompt,
		Env:          provider.Env,
	}, c.pm)
	if err != nil {
		return nil, fmt.Errorf("building runtime for profile %q: %w", profile, err)
	}
	c.cache[profile] = rt
	return rt, nil
}

// NewAssignment builds what the agent receives for task. Criteria from the
// skill bundle apply when the task carries none.
func NewAssignment(task *scheduler.Task, skill *skills.Skill, category scheduler.SkillCategory) backend.Assignment {
	a := backend.Assignment{
		TaskID:             task.ID,
		SkillID:            task.SkillID,
		Category:           category,
		Name:               task.Name,
		Description:        task.Description,
		Inputs:             task.Inputs.Clone(),
		ValidationCriteria: task.ValidationCriteria,
		RetryFeedback:      task.RetryFeedback,
		Attempt:            task.RetryCount + 1,
		Timeout:            task.Timeout(),
	}
	if skill != nil {
		a.SkillPrompt = skill.Prompt
		if emptyCriteria(a.ValidationCriteria) {
			a.ValidationCriteria = skill.ValidationCriteria
		}
	}
	return a
}

func emptyCriteria(c scheduler.ValidationCriteria) bool {
	return len(c.Critical) == 0 && len(c.Expected) == 0 && len(c.NiceToHave) == 0
}
