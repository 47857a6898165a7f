package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/scheduler"
)

func echoComplete(ctx context.Context, taskID string, c Completion) (*Outcome, error) {
	return &Outcome{Task: &scheduler.Task{ID: taskID, Output: c.Output}}, nil
}

func TestCompletionQueue_ReportAndReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := NewCompletionQueue(10, echoComplete)
	q.Start(ctx)
	defer q.Stop()

	out, err := q.Report(ctx, "task1", Completion{Output: "built"})
	require.NoError(t, err)
	assert.Equal(t, "task1", out.Task.ID)
	assert.Equal(t, "built", out.Task.Output)
}

func TestCompletionQueue_ConcurrentReporters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var applied []string
	q := NewCompletionQueue(2, func(ctx context.Context, taskID string, c Completion) (*Outcome, error) {
		mu.Lock()
		applied = append(applied, taskID)
		mu.Unlock()
		return echoComplete(ctx, taskID, c)
	})
	q.Start(ctx)
	defer q.Stop()

	ids := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := q.Report(ctx, id, Completion{Output: "out-" + id})
			if assert.NoError(t, err) {
				assert.Equal(t, "out-"+id, out.Task.Output)
			}
		}(id)
	}
	wg.Wait()

	assert.ElementsMatch(t, ids, applied)
}

func TestCompletionQueue_ErrorPropagates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	want := errors.New("store unavailable")
	q := NewCompletionQueue(1, func(context.Context, string, Completion) (*Outcome, error) {
		return nil, want
	})
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Report(ctx, "task1", Completion{})
	assert.ErrorIs(t, err, want)
}

func TestCompletionQueue_CancelledReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewCompletionQueue(10, echoComplete)
	q.Start(ctx)

	cancel()
	q.Stop()

	_, err := q.Report(ctx, "task1", Completion{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompletionQueue_StopAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewCompletionQueue(10, echoComplete)
	q.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within 1 second")
	}
}
