// Package skills loads the skill bundles agents are bound to.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskloop/internal/scheduler"
)

// Skill is one bundle file: a role with a prompt template and the
// category that decides what its completions may cause.
type Skill struct {
	ID                 string                       `yaml:"id" json:"id" jsonschema:"required"`
	Name               string                       `yaml:"name" json:"name,omitempty"`
	Category           scheduler.SkillCategory      `yaml:"category" json:"category" jsonschema:"required,enum=planner,enum=development,enum=testing,enum=critique,enum=metadata"`
	Description        string                       `yaml:"description" json:"description,omitempty"`
	Prompt             string                       `yaml:"prompt" json:"prompt,omitempty"`
	Runtime            string                       `yaml:"runtime" json:"runtime,omitempty" jsonschema:"description=Agent profile to run this skill with; defaults to the category profile"`
	ValidationCriteria scheduler.ValidationCriteria `yaml:"validation_criteria" json:"validation_criteria,omitempty"`
	TimeoutSeconds     int                          `yaml:"timeout_seconds" json:"timeout_seconds,omitempty" jsonschema:"minimum=0"`

	// Path is the file the skill was loaded from.
	Path string `yaml:"-" json:"-"`
}

func (s *Skill) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("missing id")
	}
	if _, err := scheduler.ParseSkillCategory(string(s.Category)); err != nil {
		return err
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	return nil
}

// LoadFile parses a single skill bundle.
func LoadFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var s Skill
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if s.ID == "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("skill %s: %w", path, err)
	}
	s.Path = path
	return &s, nil
}

func isSkillFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}
