package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/api"
	"github.com/aristath/taskloop/internal/orchestrator"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
	"github.com/aristath/taskloop/internal/skills"
)

func newTestClient(t *testing.T) (*Client, *orchestrator.Service) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := persistence.NewMemoryStore(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := skills.NewStaticRegistry(
		&skills.Skill{ID: "build", Category: scheduler.CategoryDevelopment},
		&skills.Skill{ID: "review", Category: scheduler.CategoryCritique},
	)
	svc := orchestrator.NewService(store, registry, orchestrator.ServiceConfig{MaxRetries: 2})
	srv := httptest.NewServer(api.NewServer(svc, api.Options{}).Handler())
	t.Cleanup(srv.Close)

	// Strip the scheme to exercise host:port addressing.
	return New(strings.TrimPrefix(srv.URL, "http://")), svc
}

func uid(n int) *int { return &n }

func testBatch() scheduler.Batch {
	review := scheduler.NewInputs()
	review.Set(scheduler.InputCritiquesTasks, []int{1})
	return scheduler.Batch{Tasks: []scheduler.TaskSpec{
		{UniqueID: uid(1), SkillID: "build", Name: "build parser"},
		{UniqueID: uid(2), SkillID: "review", Name: "review parser", Inputs: review},
	}}
}

func TestClient_SubmitAndQuery(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := c.SubmitBatch(ctx, testBatch())
	require.NoError(t, err)
	require.Len(t, sub.IDs, 2)
	assert.Equal(t, []string{sub.IDs[1], sub.IDs[2]}, sub.Order)

	task, err := c.GetTask(ctx, sub.IDs[2])
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatePlanned, task.State)
	assert.Equal(t, []string{sub.IDs[1]}, task.Dependencies)

	ready, err := c.ListTasks(ctx, persistence.ListFilter{States: []scheduler.TaskState{scheduler.StateReady}})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, sub.IDs[1], ready[0].ID)

	history, err := c.Events(ctx, sub.IDs[1])
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	feedback, err := c.Feedback(ctx, sub.IDs[1])
	require.NoError(t, err)
	assert.Empty(t, feedback)
}

func TestClient_ValidateBatch(t *testing.T) {
	c, svc := newTestClient(t)
	ctx := context.Background()

	res, err := c.ValidateBatch(ctx, testBatch())
	require.NoError(t, err)
	assert.Len(t, res.Order, 2)

	all, err := svc.ListTasks(ctx, persistence.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestClient_ErrorsUnwrap(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetTask(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, api.CodeNotFound, apiErr.Body.Code)

	_, err = c.SubmitBatch(ctx, scheduler.Batch{Tasks: []scheduler.TaskSpec{
		{UniqueID: uid(1), SkillID: "build", Name: "a", LogicalDependencies: []int{1}},
	}})
	ve, ok := scheduler.AsValidationError(err)
	require.True(t, ok, "expected a validation error, got %v", err)
	assert.True(t, ve.Has(scheduler.ViolationSelfDependency))
}

func TestClient_CancelAndResubmit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := c.SubmitBatch(ctx, testBatch())
	require.NoError(t, err)

	cancelled, err := c.Cancel(ctx, sub.IDs[1], "no longer needed")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{sub.IDs[1], sub.IDs[2]}, cancelled)

	_, err = c.Cancel(ctx, sub.IDs[1], "")
	assert.ErrorIs(t, err, scheduler.ErrInvalidTransition)

	task, err := c.Resubmit(ctx, sub.IDs[1])
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateReady, task.State)
}
