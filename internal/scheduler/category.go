package scheduler

import "fmt"

// SkillCategory is the closed set of roles a skill can play. Each category
// has a fixed set of side effects it is permitted to cause.
type SkillCategory string

const (
	CategoryPlanner     SkillCategory = "planner"
	CategoryDevelopment SkillCategory = "development"
	CategoryTesting     SkillCategory = "testing"
	CategoryCritique    SkillCategory = "critique"
	CategoryMetadata    SkillCategory = "metadata"
)

// Categories lists every known category.
var Categories = []SkillCategory{
	CategoryPlanner,
	CategoryDevelopment,
	CategoryTesting,
	CategoryCritique,
	CategoryMetadata,
}

// ParseSkillCategory validates a category name.
func ParseSkillCategory(name string) (SkillCategory, error) {
	for _, c := range Categories {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown skill category %q", name)
}

// InGraph reports whether tasks of this category may be part of the task
// graph. Planners seed the graph once from outside and never run inside it.
func (c SkillCategory) InGraph() bool {
	return c != CategoryPlanner
}

// TriggersRetry reports whether a completion of this category may drive
// the correctness loop.
func (c SkillCategory) TriggersRetry() bool {
	return c == CategoryCritique
}

// CategoryResolver maps a skill ID to its category.
type CategoryResolver interface {
	Category(skillID string) SkillCategory
}

// CategoryFunc adapts a function to CategoryResolver.
type CategoryFunc func(skillID string) SkillCategory

func (f CategoryFunc) Category(skillID string) SkillCategory { return f(skillID) }

// StaticCategories is a CategoryResolver backed by a fixed map. Unknown
// skills are treated as development work.
type StaticCategories map[string]SkillCategory

func (s StaticCategories) Category(skillID string) SkillCategory {
	if c, ok := s[skillID]; ok {
		return c
	}
	return CategoryDevelopment
}
