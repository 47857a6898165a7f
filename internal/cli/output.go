package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	headerColor  = color.New(color.Bold)
	dimColor     = color.New(color.Faint)
)

// stateColor picks the color a task state is printed in.
func stateColor(s scheduler.TaskState) *color.Color {
	switch s {
	case scheduler.StateReady:
		return color.New(color.FgCyan)
	case scheduler.StateRunning:
		return color.New(color.FgYellow)
	case scheduler.StateSucceeded:
		return color.New(color.FgGreen)
	case scheduler.StateFailed:
		return color.New(color.FgRed)
	case scheduler.StateCancelled:
		return color.New(color.Faint)
	default:
		return color.New(color.Reset)
	}
}

func readBatch(path string) (scheduler.Batch, error) {
	var batch scheduler.Batch
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return batch, fmt.Errorf("reading batch: %w", err)
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return batch, fmt.Errorf("parsing batch %s: %w", path, err)
	}
	if len(batch.Tasks) == 0 {
		return batch, fmt.Errorf("batch %s has no tasks", path)
	}
	return batch, nil
}

// printViolations explains a rejected batch.
func printViolations(w io.Writer, ve *scheduler.ValidationError) {
	errorColor.Fprintf(w, "batch rejected (%d violations)\n", len(ve.Violations))
	for _, v := range ve.Violations {
		fmt.Fprintf(w, "  %s %s", warningColor.Sprint(v.Kind), v.Message)
		if len(v.UniqueIDs) > 0 {
			fmt.Fprintf(w, " (uniqueIds %v)", v.UniqueIDs)
		}
		fmt.Fprintln(w)
	}
}

func printTaskTable(w io.Writer, tasks []*scheduler.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerColor.Sprint("ID\tSKILL\tNAME\tRETRIES\tSTATE"))
	for _, t := range tasks {
		name := t.Name
		if t.ParentID != "" {
			name = "  " + name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.SkillID, name, t.RetryCount, stateLabel(t))
	}
	return tw.Flush()
}

func stateLabel(t *scheduler.Task) string {
	label := t.State.String()
	if t.FailureKind != "" {
		label += " (" + string(t.FailureKind) + ")"
	}
	return stateColor(t.State).Sprint(label)
}

func printTask(w io.Writer, t *scheduler.Task, feedback []scheduler.FeedbackEntry, history []persistence.TaskEvent) {
	headerColor.Fprintf(w, "%s  %s\n", t.ID, t.Name)
	fmt.Fprintf(w, "  state:    %s\n", stateLabel(t))
	fmt.Fprintf(w, "  skill:    %s\n", t.SkillID)
	if t.ParentID != "" {
		fmt.Fprintf(w, "  parent:   %s\n", t.ParentID)
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(w, "  depends:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	fmt.Fprintf(w, "  retries:  %d\n", t.RetryCount)
	fmt.Fprintf(w, "  timeout:  %s\n", t.Timeout())
	if t.ClaimedBy != "" {
		fmt.Fprintf(w, "  worker:   %s\n", t.ClaimedBy)
	}
	if t.FailureReason != "" {
		fmt.Fprintf(w, "  failure:  %s\n", t.FailureReason)
	}
	if t.Verdict != nil {
		c := successColor
		if t.Verdict.Failed() {
			c = errorColor
		}
		fmt.Fprintf(w, "  verdict:  %s %s\n", c.Sprint(t.Verdict.Verdict), t.Verdict.Summary)
	}
	if t.Output != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", headerColor.Sprint("Output"), strings.TrimRight(t.Output, "\n"))
	}

	if len(feedback) > 0 {
		fmt.Fprintf(w, "\n%s\n", headerColor.Sprint("Feedback"))
		for _, f := range feedback {
			fmt.Fprintf(w, "  round %d from %s: %s\n", f.Round, f.CritiqueID, f.Summary)
		}
	}

	if len(history) > 0 {
		fmt.Fprintf(w, "\n%s\n", headerColor.Sprint("History"))
		for _, e := range history {
			line := fmt.Sprintf("  %s  %s -> %s", e.CreatedAt.Format(time.RFC3339), e.From, e.To)
			if e.Kind != "" {
				line += " [" + e.Kind + "]"
			}
			if e.Detail != "" {
				line += " " + dimColor.Sprint(e.Detail)
			}
			fmt.Fprintln(w, line)
		}
	}
}
