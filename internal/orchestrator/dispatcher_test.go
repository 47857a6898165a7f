package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/backend"
	"github.com/aristath/taskloop/internal/scheduler"
)

// startDispatcher runs a dispatcher until the test ends.
func startDispatcher(t *testing.T, svc *Service, rt backend.Runtime) *Dispatcher {
	t.Helper()
	d := NewDispatcher(svc, StaticRuntime(rt), DispatcherConfig{
		Concurrency:   2,
		PollInterval:  10 * time.Millisecond,
		SweepInterval: 50 * time.Millisecond,
		Retry:         fastRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return d
}

func waitState(t *testing.T, svc *Service, id string, want scheduler.TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := svc.GetTask(context.Background(), id)
		return err == nil && task.State == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
}

// calls records every assignment a runtime received.
type calls struct {
	mu   sync.Mutex
	seen map[string][]backend.Assignment
}

func (c *calls) add(a backend.Assignment) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string][]backend.Assignment)
	}
	c.seen[a.TaskID] = append(c.seen[a.TaskID], a)
	return len(c.seen[a.TaskID])
}

func (c *calls) of(id string) []backend.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.Assignment(nil), c.seen[id]...)
}

func TestDispatcher_CorrectnessLoop(t *testing.T) {
	svc := testService(t, 3)
	var log calls

	startDispatcher(t, svc, backend.RuntimeFunc(func(ctx context.Context, a backend.Assignment) (backend.Result, error) {
		n := log.add(a)
		if !a.ExpectsVerdict() {
			return backend.Result{Output: "built"}, nil
		}
		if n == 1 {
			return backend.Result{Output: "nope", Verdict: verdict(scheduler.VerdictFail, "missing docs")}, nil
		}
		return backend.Result{Output: "fine", Verdict: verdict(scheduler.VerdictPass, "ok")}, nil
	}))

	ids := submit(t, svc, task(1, "build"), critique(2, 1), task(3, "test", 2))
	waitState(t, svc, ids[3], scheduler.StateSucceeded)

	builds := log.of(ids[1])
	require.Len(t, builds, 2)
	assert.Nil(t, builds[0].RetryFeedback)
	assert.Equal(t, 1, builds[0].Attempt)
	require.NotNil(t, builds[1].RetryFeedback)
	assert.Equal(t, "missing docs", builds[1].RetryFeedback.Summary)
	assert.Equal(t, 2, builds[1].Attempt)
	assert.Equal(t, "Build it.", builds[1].SkillPrompt)

	assert.Len(t, log.of(ids[2]), 2)
	assert.Len(t, log.of(ids[3]), 1)

	review := get(t, svc, ids[2])
	assert.Equal(t, scheduler.StateSucceeded, review.State)
	assert.Equal(t, scheduler.VerdictPass, review.Verdict.Verdict)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.Retries))
}

func TestDispatcher_CancelAbortsRunningAgent(t *testing.T) {
	svc := testService(t, 3)
	started := make(chan struct{})
	stopped := make(chan error, 1)

	startDispatcher(t, svc, backend.RuntimeFunc(func(ctx context.Context, a backend.Assignment) (backend.Result, error) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return backend.Result{}, ctx.Err()
	}))

	ids := submit(t, svc, task(1, "build"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task was never dispatched")
	}

	_, err := svc.Cancel(context.Background(), ids[1], "operator")
	require.NoError(t, err)

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("agent was not cancelled")
	}

	// The discarded result must not overwrite the cancellation
	time.Sleep(50 * time.Millisecond)
	got := get(t, svc, ids[1])
	assert.Equal(t, scheduler.StateCancelled, got.State)
	assert.Equal(t, scheduler.FailureNone, got.FailureKind)
}

func TestDispatcher_TaskTimeout(t *testing.T) {
	svc := testService(t, 3)
	startDispatcher(t, svc, backend.RuntimeFunc(func(ctx context.Context, a backend.Assignment) (backend.Result, error) {
		<-ctx.Done()
		return backend.Result{}, ctx.Err()
	}))

	slow := task(1, "build")
	slow.TimeoutSeconds = 1
	ids := submit(t, svc, slow, task(2, "test", 1))

	waitState(t, svc, ids[1], scheduler.StateFailed)
	assert.Equal(t, scheduler.FailureTimeout, get(t, svc, ids[1]).FailureKind)
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, ids[2]).State)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(svc.metrics.Timeouts) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_InfrastructureFailure(t *testing.T) {
	svc := testService(t, 3)
	var log calls
	startDispatcher(t, svc, backend.RuntimeFunc(func(ctx context.Context, a backend.Assignment) (backend.Result, error) {
		log.add(a)
		return backend.Result{}, errors.New("agent binary missing")
	}))

	ids := submit(t, svc, task(1, "build"), task(2, "test", 1))
	waitState(t, svc, ids[1], scheduler.StateFailed)

	got := get(t, svc, ids[1])
	assert.Equal(t, scheduler.FailureInfrastructure, got.FailureKind)
	assert.Contains(t, got.FailureReason, "agent binary missing")
	assert.Greater(t, len(log.of(ids[1])), 1, "transient errors are retried")
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, ids[2]).State)
	assert.Empty(t, log.of(ids[2]))
}

func TestDispatcher_MissingVerdictFailsCritique(t *testing.T) {
	svc := testService(t, 3)
	startDispatcher(t, svc, backend.RuntimeFunc(func(ctx context.Context, a backend.Assignment) (backend.Result, error) {
		return backend.Result{Output: "no verdict here"}, nil
	}))

	ids := submit(t, svc, task(1, "build"), critique(2, 1))
	waitState(t, svc, ids[2], scheduler.StateFailed)

	got := get(t, svc, ids[2])
	assert.Equal(t, scheduler.FailureInfrastructure, got.FailureKind)
	assert.Equal(t, scheduler.StateSucceeded, get(t, svc, ids[1]).State)
	assert.Equal(t, 0, get(t, svc, ids[1]).RetryCount)
}

func TestDispatcher_SharedStoreRunsEachTaskOnce(t *testing.T) {
	svc := testService(t, 3)
	var log calls
	rt := backend.RuntimeFunc(func(ctx context.Context, a backend.Assignment) (backend.Result, error) {
		log.add(a)
		time.Sleep(5 * time.Millisecond)
		return backend.Result{Output: "ok"}, nil
	})
	first := startDispatcher(t, svc, rt)
	second := startDispatcher(t, svc, rt)
	assert.NotEqual(t, first.Worker(), second.Worker())

	specs := make([]scheduler.TaskSpec, 0, 20)
	for i := 1; i <= 20; i++ {
		specs = append(specs, task(i, "build"))
	}
	ids := submit(t, svc, specs...)

	for _, id := range ids {
		waitState(t, svc, id, scheduler.StateSucceeded)
	}
	for n, id := range ids {
		assert.Len(t, log.of(id), 1, "task %d ran more than once", n)
	}
}
