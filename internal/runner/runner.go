// Package runner executes external commands on behalf of the pipeline.
//
// Every tool ciro drives (git, pip, cmake, ninja, ctest) goes through
// Runner. A non-zero exit code is a normal result; Runner returns an error
// only when the command could not start, timed out, or was killed.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kilnlabs/ciro/internal/ctxlog"
	"github.com/kilnlabs/ciro/internal/envctx"
)

// DefaultTimeout bounds a single stage command.
const DefaultTimeout = 30 * time.Minute

// DefaultGracePeriod is how long a terminated command gets to exit cleanly
// before it is forcibly killed.
const DefaultGracePeriod = 5 * time.Second

// Command describes one external invocation. Program and Args are passed
// to the OS directly; there is no shell in between.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     envctx.Env
	Timeout time.Duration
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Reason classifies why a command failed to produce an exit code.
type Reason string

const (
	ReasonStartFailed Reason = "start-failed" // missing executable, permission denied
	ReasonTimeout     Reason = "timeout"
	ReasonSignaled    Reason = "signaled"
	ReasonCancelled   Reason = "cancelled" // run-level interrupt
)

// ExecError reports a command that never yielded a usable exit code.
type ExecError struct {
	Program string
	Reason  Reason
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Program, e.Reason, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Runner executes commands. The interface exists so the engine can be
// tested without spawning processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as child processes in their own session, so a
// termination signal reaches the whole process tree.
type ExecRunner struct {
	GracePeriod time.Duration
}

// New returns an ExecRunner with the default grace period.
func New() *ExecRunner {
	return &ExecRunner{GracePeriod: DefaultGracePeriod}
}

// Run executes cmd and captures stdout/stderr. The command is terminated
// gracefully (then killed) when the timeout elapses or ctx is cancelled.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := ctxlog.FromContext(ctx)
	logger.Debug("spawning command", "program", cmd.Program, "args", cmd.Args, "dir", cmd.Dir)

	proc := exec.CommandContext(runCtx, cmd.Program, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = cmd.Env.Environ()
	proc.SysProcAttr = newSysProcAttr()
	// No controlling terminal: build tools must not prompt interactively.
	proc.Stdin = nil

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	// Graceful shutdown: signal the process group first, hard-kill after
	// the grace period.
	proc.Cancel = func() error {
		return terminate(proc)
	}
	proc.WaitDelay = grace

	start := time.Now()
	if err := proc.Start(); err != nil {
		return Result{}, &ExecError{Program: cmd.Program, Reason: ReasonStartFailed, Err: err}
	}

	waitErr := proc.Wait()
	duration := time.Since(start)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if waitErr == nil {
		return result, nil
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return result, &ExecError{
			Program: cmd.Program,
			Reason:  ReasonTimeout,
			Err:     fmt.Errorf("timed out after %s", timeout),
		}
	case ctx.Err() != nil:
		return result, &ExecError{Program: cmd.Program, Reason: ReasonCancelled, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if exitErr.ExitCode() < 0 {
			return result, &ExecError{
				Program: cmd.Program,
				Reason:  ReasonSignaled,
				Err:     fmt.Errorf("killed: %s", exitErr.ProcessState),
			}
		}
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	return result, &ExecError{Program: cmd.Program, Reason: ReasonStartFailed, Err: waitErr}
}

// StderrTail returns the last n lines of captured stderr for error reports.
func StderrTail(stderr string, n int) string {
	trimmed := strings.TrimRight(stderr, "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// LookPath reports whether program resolves to an executable. Used for
// prerequisite checks before any stage runs.
func LookPath(program string) error {
	if _, err := exec.LookPath(program); err != nil {
		return fmt.Errorf("required tool not found: %s: %w", program, err)
	}
	return nil
}
