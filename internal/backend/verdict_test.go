package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/scheduler"
)

func TestExtractVerdict(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    scheduler.VerdictKind
		summary string
		wantErr bool
	}{
		{
			name:   "fenced block",
			output: "Reviewed.\n```json\n{\"verdict\": \"fail\", \"summary\": \"tests missing\"}\n```\n",
			want:   scheduler.VerdictFail, summary: "tests missing",
		},
		{
			name: "last fenced block wins",
			output: "```json\n{\"verdict\": \"fail\"}\n```\nOn second look:\n" +
				"```json\n{\"verdict\": \"pass\", \"summary\": \"ok\"}\n```",
			want: scheduler.VerdictPass, summary: "ok",
		},
		{
			name:   "bare object with braces in strings",
			output: `All good. {"verdict": "PASS", "summary": "uses {} correctly"}`,
			want:   scheduler.VerdictPass, summary: "uses {} correctly",
		},
		{
			name:   "unrelated json ignored",
			output: `{"files": 3} then {"verdict": "fail", "feedbackForRebuild": "add tests"}`,
			want:   scheduler.VerdictFail,
		},
		{
			name:    "no verdict",
			output:  "looks fine to me",
			wantErr: true,
		},
		{
			name:    "unknown verdict value",
			output:  `{"verdict": "maybe"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ExtractVerdict(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Verdict)
			if tt.summary != "" {
				assert.Equal(t, tt.summary, v.Summary)
			}
		})
	}
}

func TestFinish(t *testing.T) {
	dev := Assignment{TaskID: "t1", Category: scheduler.CategoryDevelopment}
	res, err := finish(dev, "  built it \n", "s")
	require.NoError(t, err)
	assert.Equal(t, "built it", res.Output)
	assert.Nil(t, res.Verdict)

	critique := Assignment{TaskID: "c1", Category: scheduler.CategoryCritique}
	_, err = finish(critique, "no verdict here", "")
	require.ErrorIs(t, err, ErrNoVerdict)

	res, err = finish(critique, `{"verdict":"pass"}`, "")
	require.NoError(t, err)
	require.NotNil(t, res.Verdict)
	assert.False(t, res.Verdict.Failed())
}

func TestRenderPrompt(t *testing.T) {
	a := Assignment{
		TaskID:      "t1",
		Category:    scheduler.CategoryCritique,
		Name:        "Review login",
		Description: "Check the login form",
		SkillPrompt: "You are a reviewer.",
		Inputs:      scheduler.NewInputs("critiquesTasks", []any{"t0"}),
		ValidationCriteria: scheduler.ValidationCriteria{
			Critical: []string{"no plaintext passwords"},
		},
		RetryFeedback: &scheduler.RetryFeedback{Round: 2, Summary: "still broken", Suggestion: "hash it"},
	}

	prompt := RenderPrompt(a)
	assert.Contains(t, prompt, "You are a reviewer.")
	assert.Contains(t, prompt, "# Task: Review login")
	assert.Contains(t, prompt, `"critiquesTasks"`)
	assert.Contains(t, prompt, "- no plaintext passwords")
	assert.Contains(t, prompt, "round 2")
	assert.Contains(t, prompt, "hash it")
	assert.Contains(t, prompt, `"verdict"`)

	a.Category = scheduler.CategoryDevelopment
	a.RetryFeedback = nil
	prompt = RenderPrompt(a)
	assert.NotContains(t, prompt, "## Verdict")
	assert.NotContains(t, prompt, "rejected")
}
