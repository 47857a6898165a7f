package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/taskloop/internal/scheduler"
)

// RenderPrompt turns an assignment into the single prompt handed to a CLI
// agent. The sections mirror the payload the command runtime receives as
// JSON.
func RenderPrompt(a Assignment) string {
	var b strings.Builder

	if a.SkillPrompt != "" {
		b.WriteString(strings.TrimSpace(a.SkillPrompt))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "# Task: %s\n", a.Name)
	if a.Description != "" {
		b.WriteString("\n")
		b.WriteString(a.Description)
		b.WriteString("\n")
	}

	if a.Inputs.Len() > 0 {
		data, err := json.MarshalIndent(a.Inputs, "", "  ")
		if err == nil {
			b.WriteString("\n## Inputs\n\n```json\n")
			b.Write(data)
			b.WriteString("\n```\n")
		}
	}

	writeCriteria(&b, "Critical", a.ValidationCriteria.Critical)
	writeCriteria(&b, "Expected", a.ValidationCriteria.Expected)
	writeCriteria(&b, "Nice to have", a.ValidationCriteria.NiceToHave)

	if fb := a.RetryFeedback; fb != nil {
		fmt.Fprintf(&b, "\n## Previous attempt was rejected (round %d)\n\n", fb.Round)
		if fb.Summary != "" {
			b.WriteString(fb.Summary)
			b.WriteString("\n")
		}
		for _, issue := range fb.Issues {
			fmt.Fprintf(&b, "- %v\n", issue)
		}
		if fb.Suggestion != "" {
			b.WriteString("\nHow to fix it:\n")
			b.WriteString(fb.Suggestion)
			b.WriteString("\n")
		}
	}

	if a.ExpectsVerdict() {
		b.WriteString("\n## Verdict\n\n")
		b.WriteString("End your answer with a fenced json block of the form:\n")
		fmt.Fprintf(&b, "```json\n{\"verdict\": %q, \"summary\": \"...\", \"issues\": [], \"feedbackForRebuild\": \"...\"}\n```\n",
			scheduler.VerdictPass+"|"+scheduler.VerdictFail)
	}

	return b.String()
}

func writeCriteria(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
