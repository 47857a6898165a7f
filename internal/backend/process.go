package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// newCommand creates an exec.Cmd with process group isolation.
// The Setpgid: true flag ensures the subprocess is in its own process group,
// allowing for clean termination of the entire subprocess tree.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group for signal propagation
	}
	// Kill the whole group on cancellation, not just the leader
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// executeCommand executes a command and returns its stdout, stderr, and any error.
// stdin, when non-nil, is written to the process before output is collected.
// Both pipes are drained concurrently before cmd.Wait(), so output larger than
// the pipe buffer cannot deadlock the child.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager, stdin []byte) (stdout []byte, stderr []byte, err error) {
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	// Wait for both pipe readers to complete
	wg.Wait()

	// Now it's safe to call cmd.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if ctx.Err() != nil {
			return stdout, stderr, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}

	return stdout, stderr, nil
}

// killProcessGroup kills the entire process group associated with the command.
// Agent CLIs spawn helpers of their own; they share the group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Send SIGKILL to the entire process group (negative PID)
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks all running agent subprocesses and can terminate
// them all on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess for tracking.
// Should be called after cmd.Start() when cmd.Process is available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}

	return nil
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
