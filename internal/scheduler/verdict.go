package scheduler

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// VerdictKind is the pass/fail outcome reported by a critique task.
type VerdictKind string

const (
	VerdictPass VerdictKind = "pass"
	VerdictFail VerdictKind = "fail"
)

// Verdict is the payload a critique-category task completes with.
type Verdict struct {
	Verdict            VerdictKind `json:"verdict" mapstructure:"verdict"`
	Summary            string      `json:"summary" mapstructure:"summary"`
	Issues             []any       `json:"issues,omitempty" mapstructure:"issues"`
	FeedbackForRebuild string      `json:"feedbackForRebuild,omitempty" mapstructure:"feedbackForRebuild"`
}

// Failed reports whether the verdict asks for a rebuild.
func (v *Verdict) Failed() bool {
	return v != nil && v.Verdict == VerdictFail
}

// Validate checks the verdict value is one of the known kinds.
func (v *Verdict) Validate() error {
	switch v.Verdict {
	case VerdictPass, VerdictFail:
		return nil
	default:
		return fmt.Errorf("%w %q: must be %q or %q", ErrInvalidVerdict, v.Verdict, VerdictPass, VerdictFail)
	}
}

// Feedback converts the verdict into the payload injected into retried tasks.
func (v *Verdict) Feedback(critiqueID string, round int) *RetryFeedback {
	return &RetryFeedback{
		CritiqueID: critiqueID,
		Round:      round,
		Summary:    v.Summary,
		Issues:     v.Issues,
		Suggestion: v.FeedbackForRebuild,
	}
}

// ParseVerdict decodes a verdict from a loosely typed map, as produced by
// agents that embed their verdict inside free-form output.
func ParseVerdict(raw map[string]any) (*Verdict, error) {
	var v Verdict
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating verdict decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}
	v.Verdict = VerdictKind(strings.ToLower(strings.TrimSpace(string(v.Verdict))))
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}
