package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/metrics"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
	"github.com/aristath/taskloop/internal/skills"
)

var testSkills = []*skills.Skill{
	{ID: "build", Category: scheduler.CategoryDevelopment, Prompt: "Build it."},
	{ID: "test", Category: scheduler.CategoryTesting},
	{ID: "review", Category: scheduler.CategoryCritique, Prompt: "Review it."},
}

// testStore creates an in-memory store unique to the test.
func testStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := persistence.NewMemoryStore(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// testService wires a Service with a fresh bus and metrics.
func testService(t *testing.T, maxRetries int) *Service {
	t.Helper()
	return newTestService(t, testStore(t), maxRetries)
}

func newTestService(t *testing.T, store persistence.Store, maxRetries int) *Service {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	return NewService(store, skills.NewStaticRegistry(testSkills...), ServiceConfig{
		MaxRetries:      maxRetries,
		FeedbackHistory: 5,
		Bus:             bus,
		Metrics:         metrics.New(),
	})
}

func uid(n int) *int { return &n }

func task(id int, skill string, deps ...int) scheduler.TaskSpec {
	return scheduler.TaskSpec{
		UniqueID:            uid(id),
		SkillID:             skill,
		Name:                fmt.Sprintf("%s %d", skill, id),
		LogicalDependencies: deps,
	}
}

func critique(id int, targets ...any) scheduler.TaskSpec {
	spec := task(id, "review")
	spec.Inputs = scheduler.NewInputs(scheduler.InputCritiquesTasks, targets)
	return spec
}

// submit persists a batch and returns task IDs keyed by uniqueId.
func submit(t *testing.T, svc *Service, specs ...scheduler.TaskSpec) map[int]string {
	t.Helper()
	sub, err := svc.SubmitBatch(context.Background(), scheduler.Batch{Tasks: specs})
	require.NoError(t, err)
	return sub.IDs
}

// claim claims the next task and requires it to be id.
func claim(t *testing.T, svc *Service, id string) {
	t.Helper()
	got, err := svc.Claim(context.Background(), persistence.ClaimRequest{Worker: "test"})
	require.NoError(t, err)
	require.NotNil(t, got, "nothing ready, wanted %s", id)
	require.Equal(t, id, got.ID)
}

// finish claims id and completes it with plain output.
func finish(t *testing.T, svc *Service, id string) *Outcome {
	t.Helper()
	claim(t, svc, id)
	out, err := svc.Complete(context.Background(), id, Completion{Output: "done"})
	require.NoError(t, err)
	return out
}

func verdict(kind scheduler.VerdictKind, summary string) *scheduler.Verdict {
	return &scheduler.Verdict{Verdict: kind, Summary: summary, FeedbackForRebuild: "fix: " + summary}
}

func get(t *testing.T, svc *Service, id string) *scheduler.Task {
	t.Helper()
	task, err := svc.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}
