package backend

import (
	"context"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "hello")
	assert.Empty(t, stderr)
}

func TestExecuteCommand_WritesStdin(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "cat")

	stdout, _, err := executeCommand(ctx, cmd, nil, []byte(`{"task_id":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"task_id":"t1"}`, string(stdout))
}

// Output far above the 64KB pipe buffer must not deadlock.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "yes taskloop | head -n 30000")

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, nil, nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	assert.Len(t, lines, 30000)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo error >&2; echo ok")

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "ok")
	assert.Contains(t, string(stderr), "error")
}

func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "sleep 30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo boom >&2; exit 3")

	_, stderr, err := executeCommand(ctx, cmd, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, string(stderr), "boom")
}

func TestProcessManager_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		cmd := newCommand(ctx, "sh", "-c", "sleep 30")
		_, _, err := executeCommand(ctx, cmd, pm, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return pm.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, pm.KillAll())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process survived KillAll")
	}
	assert.Equal(t, 0, pm.Count())
}

func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	cmd := newCommand(ctx, "sh", "-c", "sleep 30 & sleep 30 & wait")
	require.NoError(t, cmd.Start())
	pm.Track(cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, pm.KillAll())

	select {
	case err := <-done:
		require.Error(t, err)
		status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
		require.True(t, ok)
		assert.Equal(t, syscall.SIGKILL, status.Signal())
	case <-time.After(10 * time.Second):
		t.Fatal("process group survived KillAll")
	}
	pm.Untrack(cmd)
}

func TestProcessManager_UntrackUnstarted(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "true")

	pm.Track(cmd)
	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}
