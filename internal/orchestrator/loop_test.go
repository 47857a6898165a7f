package orchestrator

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/scheduler"
)

func TestComplete_FailVerdictReopensTarget(t *testing.T) {
	svc := testService(t, 3)
	ctx := context.Background()
	loop := svc.Bus().Subscribe(events.TopicLoop, 8)

	ids := submit(t, svc, task(1, "build"), critique(2, 1))
	target, review := ids[1], ids[2]
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, review).State)

	out := finish(t, svc, target)
	assert.Equal(t, []string{review}, out.Promoted)

	claim(t, svc, review)
	out, err := svc.Complete(ctx, review, Completion{Output: "looks wrong", Verdict: verdict(scheduler.VerdictFail, "no tests")})
	require.NoError(t, err)
	assert.Equal(t, []string{target}, out.Retried)
	assert.Equal(t, 1, out.Round)

	reopened := get(t, svc, target)
	assert.Equal(t, scheduler.StateReady, reopened.State)
	assert.Equal(t, 1, reopened.RetryCount)
	require.NotNil(t, reopened.RetryFeedback)
	assert.Equal(t, review, reopened.RetryFeedback.CritiqueID)
	assert.Equal(t, "no tests", reopened.RetryFeedback.Summary)
	assert.Equal(t, "fix: no tests", reopened.RetryFeedback.Suggestion)

	c := get(t, svc, review)
	assert.Equal(t, scheduler.StatePlanned, c.State)
	assert.Equal(t, 1, c.RetryCount)

	ev := <-loop
	retry, ok := ev.(events.RetryScheduledEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, []string{target}, retry.Targets)
	assert.Equal(t, 1, retry.Round)

	// The critique runs again only once the target succeeded again
	out = finish(t, svc, target)
	assert.Equal(t, []string{review}, out.Promoted)
	assert.Equal(t, scheduler.StateReady, get(t, svc, review).State)

	feedback, err := svc.Feedback(ctx, target, 0)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, 1, feedback[0].Round)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.Retries))
}

func TestComplete_PassVerdictLeavesTargetsAlone(t *testing.T) {
	svc := testService(t, 3)
	ctx := context.Background()

	ids := submit(t, svc, task(1, "build"), critique(2, 1), task(3, "test", 2))
	finish(t, svc, ids[1])
	before := get(t, svc, ids[1])

	claim(t, svc, ids[2])
	out, err := svc.Complete(ctx, ids[2], Completion{Output: "ok", Verdict: verdict(scheduler.VerdictPass, "good")})
	require.NoError(t, err)
	assert.Empty(t, out.Retried)
	assert.Equal(t, []string{ids[3]}, out.Promoted)

	after := get(t, svc, ids[1])
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.RetryCount, after.RetryCount)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Nil(t, after.RetryFeedback)

	c := get(t, svc, ids[2])
	assert.Equal(t, scheduler.StateSucceeded, c.State)
	require.NotNil(t, c.Verdict)
	assert.Equal(t, scheduler.VerdictPass, c.Verdict.Verdict)
}

func TestComplete_RetryLimitExceeded(t *testing.T) {
	const maxRetries = 2
	svc := testService(t, maxRetries)
	ctx := context.Background()
	loop := svc.Bus().Subscribe(events.TopicLoop, 8)

	ids := submit(t, svc, task(1, "build"), critique(2, 1), task(3, "test", 2))
	target, review := ids[1], ids[2]

	retries := 0
	for round := 1; ; round++ {
		finish(t, svc, target)
		claim(t, svc, review)
		out, err := svc.Complete(ctx, review, Completion{Verdict: verdict(scheduler.VerdictFail, "still broken")})
		if err != nil {
			var limit *scheduler.RetryLimitError
			require.ErrorAs(t, err, &limit)
			assert.Equal(t, maxRetries+1, round)
			assert.Equal(t, review, limit.CritiqueID)
			assert.Equal(t, []string{target}, limit.Targets)
			assert.Equal(t, maxRetries, limit.MaxRetries)
			require.Len(t, limit.History, maxRetries+1)
			assert.Equal(t, 1, limit.History[0].Round)
			assert.Equal(t, maxRetries+1, limit.History[len(limit.History)-1].Round)
			require.NotNil(t, out)
			assert.Same(t, limit, out.Escalation)
			break
		}
		require.Equal(t, []string{target}, out.Retried)
		retries++
		require.LessOrEqual(t, retries, maxRetries)
	}
	assert.Equal(t, maxRetries, retries)

	for _, id := range []string{target, review} {
		got := get(t, svc, id)
		assert.Equal(t, scheduler.StateFailed, got.State, id)
		assert.Equal(t, scheduler.FailureRetryLimitExceeded, got.FailureKind, id)
	}
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, ids[3]).State)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.RetryLimitExceeded))

	var last events.Event
	for len(loop) > 0 {
		last = <-loop
	}
	limitEv, ok := last.(events.RetryLimitEvent)
	require.True(t, ok, "got %T", last)
	assert.Len(t, limitEv.History, maxRetries+1)

	// A resubmitted target starts over with a fresh budget
	_, err := svc.Resubmit(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 0, get(t, svc, target).RetryCount)
}

func TestComplete_SharedTargetBudget(t *testing.T) {
	svc := testService(t, 1)
	ctx := context.Background()

	second := critique(3, 1)
	second.LogicalDependencies = []int{2}
	ids := submit(t, svc, task(1, "build"), critique(2, 1), second)
	target, first := ids[1], ids[2]

	finish(t, svc, target)
	claim(t, svc, first)
	out, err := svc.Complete(ctx, first, Completion{Verdict: verdict(scheduler.VerdictFail, "missing edge case")})
	require.NoError(t, err)
	assert.Equal(t, []string{target}, out.Retried)

	finish(t, svc, target)
	claim(t, svc, first)
	out, err = svc.Complete(ctx, first, Completion{Verdict: verdict(scheduler.VerdictPass, "fixed")})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3]}, out.Promoted)

	// The second critique is on its first round but the target already
	// used the whole budget.
	claim(t, svc, ids[3])
	out, err = svc.Complete(ctx, ids[3], Completion{Verdict: verdict(scheduler.VerdictFail, "slow")})
	var limit *scheduler.RetryLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, ids[3], limit.CritiqueID)
	assert.Equal(t, 1, limit.MaxRetries)
	require.NotNil(t, out)
	assert.Empty(t, out.Retried)

	got := get(t, svc, target)
	assert.Equal(t, scheduler.StateFailed, got.State)
	assert.Equal(t, scheduler.FailureRetryLimitExceeded, got.FailureKind)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.FailureReason, "already retried")
	assert.Equal(t, scheduler.StateFailed, get(t, svc, ids[3]).State)
}

func TestComplete_ZeroRetriesEscalatesImmediately(t *testing.T) {
	svc := testService(t, 0)
	ids := submit(t, svc, task(1, "build"), critique(2, 1))
	finish(t, svc, ids[1])
	claim(t, svc, ids[2])

	_, err := svc.Complete(context.Background(), ids[2], Completion{Verdict: verdict(scheduler.VerdictFail, "no")})
	var limit *scheduler.RetryLimitError
	require.ErrorAs(t, err, &limit)
	assert.Len(t, limit.History, 1)
	assert.Equal(t, scheduler.StateFailed, get(t, svc, ids[1]).State)
}

func TestComplete_TargetNotTerminal(t *testing.T) {
	svc := testService(t, 3)
	ctx := context.Background()

	ids := submit(t, svc, task(1, "build"), critique(2, 1), task(3, "test", 2))
	target, review := ids[1], ids[2]
	finish(t, svc, target)
	claim(t, svc, review)

	// Someone requeued the target while the critique was running
	_, err := svc.Store().Transition(ctx, target, scheduler.StateSucceeded, scheduler.StateReady)
	require.NoError(t, err)

	out, err := svc.Complete(ctx, review, Completion{Verdict: verdict(scheduler.VerdictFail, "bad")})
	var rerr *scheduler.RetryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, scheduler.RetryTargetNotTerminal, rerr.Kind)
	assert.Equal(t, []string{target}, rerr.TaskIDs)
	assert.Equal(t, scheduler.StateReady, rerr.States[target])
	require.NotNil(t, out)

	got := get(t, svc, target)
	assert.Equal(t, scheduler.StateReady, got.State)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.RetryFeedback)

	feedback, err := svc.Feedback(ctx, target, 0)
	require.NoError(t, err)
	assert.Empty(t, feedback)

	c := get(t, svc, review)
	assert.Equal(t, scheduler.StateSucceeded, c.State)
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, ids[3]).State)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.ProtocolViolations))
}

func TestComplete_ContainerTargetReplaysChildren(t *testing.T) {
	svc := testService(t, 3)
	ctx := context.Background()

	parent := task(1, "build")
	first := task(2, "build")
	first.ParentUniqueID = uid(1)
	second := task(3, "build", 2)
	second.ParentUniqueID = uid(1)
	ids := submit(t, svc, parent, first, second, critique(4, 1))

	finish(t, svc, ids[2]) // opens the container
	out := finish(t, svc, ids[3])
	assert.Equal(t, []string{ids[1]}, out.Completed)
	assert.Contains(t, out.Promoted, ids[4])

	claim(t, svc, ids[4])
	_, err := svc.Complete(ctx, ids[4], Completion{Verdict: verdict(scheduler.VerdictFail, "wrong order")})
	require.NoError(t, err)

	assert.Equal(t, scheduler.StateReady, get(t, svc, ids[1]).State)
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, ids[2]).State)
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, ids[3]).State)

	// The whole child sequence replays in order
	finish(t, svc, ids[2])
	assert.Equal(t, scheduler.StateReady, get(t, svc, ids[3]).State)
	out = finish(t, svc, ids[3])
	assert.Equal(t, []string{ids[1]}, out.Completed)
	assert.Equal(t, scheduler.StateReady, get(t, svc, ids[4]).State)
}

func TestComplete_VerdictRules(t *testing.T) {
	svc := testService(t, 3)
	ctx := context.Background()

	ids := submit(t, svc, task(1, "build"), critique(2, 1))
	claim(t, svc, ids[1])

	// A verdict on non-critique work is stored but never retries anything
	out, err := svc.Complete(ctx, ids[1], Completion{Output: "built", Verdict: verdict(scheduler.VerdictFail, "self doubt")})
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateSucceeded, out.Task.State)
	assert.Equal(t, []string{ids[2]}, out.Promoted)

	claim(t, svc, ids[2])
	_, err = svc.Complete(ctx, ids[2], Completion{Output: "forgot the verdict"})
	require.ErrorIs(t, err, ErrMissingVerdict)
	assert.Equal(t, scheduler.StateRunning, get(t, svc, ids[2]).State)

	_, err = svc.Complete(ctx, ids[2], Completion{Verdict: &scheduler.Verdict{Verdict: "maybe"}})
	require.Error(t, err)
	assert.Equal(t, scheduler.StateRunning, get(t, svc, ids[2]).State)
}

func TestComplete_CritiqueWithoutTargets(t *testing.T) {
	svc := testService(t, 3)
	ids := submit(t, svc, task(1, "review"), task(2, "build", 1))
	claim(t, svc, ids[1])

	out, err := svc.Complete(context.Background(), ids[1], Completion{Verdict: verdict(scheduler.VerdictFail, "nothing to review")})
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateSucceeded, out.Task.State)
	assert.Empty(t, out.Promoted)
	assert.Equal(t, scheduler.StatePlanned, get(t, svc, ids[2]).State)
}

func TestComplete_NotRunning(t *testing.T) {
	svc := testService(t, 3)
	ids := submit(t, svc, task(1, "build"))

	_, err := svc.Complete(context.Background(), ids[1], Completion{Output: "early"})
	assert.ErrorIs(t, err, scheduler.ErrInvalidTransition)

	_, err = svc.Complete(context.Background(), "missing", Completion{})
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestComplete_LostRaceAfterCancel(t *testing.T) {
	svc := testService(t, 3)
	ctx := context.Background()
	ids := submit(t, svc, task(1, "build"))
	claim(t, svc, ids[1])

	_, err := svc.Cancel(ctx, ids[1], "operator")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, ids[1], Completion{Output: "late"})
	assert.ErrorIs(t, err, scheduler.ErrInvalidTransition)
	assert.Equal(t, scheduler.StateCancelled, get(t, svc, ids[1]).State)

	history, err := svc.Events(ctx, ids[1])
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "cancelled", history[len(history)-1].To)
}
