// Package engine sequences pipeline stages, applies per-stage failure
// policies, and persists every state transition.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/ctxlog"
	"github.com/kilnlabs/ciro/internal/envctx"
	"github.com/kilnlabs/ciro/internal/retry"
	"github.com/kilnlabs/ciro/internal/runner"
	"github.com/kilnlabs/ciro/internal/stage"
	"github.com/kilnlabs/ciro/internal/state"
)

// RunState is the aggregate state of one pipeline run.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
)

// Exit codes surfaced to the caller. Stage failures propagate the stage's
// own exit code; these cover the cases where no process exit code exists.
const (
	ExitOK            = 0
	ExitOrchestration = 1   // persistence failure, bad pipeline graph
	ExitConfig        = 2   // invalid CLI input (used by cmd)
	ExitTimeout       = 124 // stage command timed out
	ExitStartFailed   = 127 // stage command could not be launched
	ExitCancelled     = 130 // run interrupted
)

// StageOutcome is the final record of one stage within a run.
type StageOutcome struct {
	Name       string
	Status     state.Status
	ExitCode   int
	Attempts   int
	Duration   time.Duration
	Cause      string
	StderrTail string // last lines of stderr for failed stages
}

// Summary is the aggregate result of a run.
type Summary struct {
	State    RunState
	ExitCode int
	Stages   []StageOutcome // declaration order
	First    *StageOutcome  // first fatal failure, if any
}

// StageError carries the details of a terminal stage failure.
type StageError struct {
	Stage      string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed with exit code %d", e.Stage, e.ExitCode)
}

func (e *StageError) Unwrap() error { return e.Err }

// Events receives stage lifecycle notifications for display purposes.
// Implementations must be safe for concurrent use when Jobs > 1.
type Events interface {
	StageStarted(name string, attempt int)
	StageFinished(o StageOutcome)
	StageRetrying(name string, delay time.Duration, attempt, max int)
}

// nopEvents is used when the caller does not care about progress.
type nopEvents struct{}

func (nopEvents) StageStarted(string, int)                      {}
func (nopEvents) StageFinished(StageOutcome)                    {}
func (nopEvents) StageRetrying(string, time.Duration, int, int) {}

// Options tunes one engine run.
type Options struct {
	Jobs      int                         // >1 opts into parallel execution
	SkipNames map[string]bool             // explicit --skip flags by stage name
	Resume    map[string]state.Transition // snapshot of a prior run to resume from
	EnvLayers []map[string]string         // base + variant layers, in order
	Events    Events
}

// Engine drives one pipeline run.
type Engine struct {
	cfg    config.RunConfig
	runner runner.Runner
	log    *state.Log
}

// New creates an engine writing transitions to log.
func New(cfg config.RunConfig, r runner.Runner, log *state.Log) *Engine {
	return &Engine{cfg: cfg, runner: r, log: log}
}

// Run executes the stages. Stage failures are reported in the Summary; the
// returned error covers orchestration problems only (invalid graph,
// persistence failure).
func (e *Engine) Run(ctx context.Context, stages []stage.Stage, opts Options) (Summary, error) {
	if opts.Events == nil {
		opts.Events = nopEvents{}
	}

	if err := validate(stages); err != nil {
		return Summary{State: RunAborted, ExitCode: ExitOrchestration}, err
	}

	tr := newTracker(stages)

	if opts.Jobs > 1 {
		return e.runParallel(ctx, stages, opts, tr)
	}
	return e.runSequential(ctx, stages, opts, tr)
}

// runSequential executes stages strictly in declaration order.
func (e *Engine) runSequential(ctx context.Context, stages []stage.Stage, opts Options, tr *tracker) (Summary, error) {
	logger := ctxlog.FromContext(ctx)

	aborted := false
	abortCode := ExitOK
	var persistErr error

	for _, s := range stages {
		if persistErr != nil {
			break
		}

		if aborted || ctx.Err() != nil {
			cause := "run aborted"
			if ctx.Err() != nil {
				cause = "run cancelled"
			}
			persistErr = e.skipStage(tr, opts, s, cause, false)
			continue
		}

		if skipped, cause := e.shouldSkip(tr, opts, s); skipped {
			persistErr = e.skipStage(tr, opts, s, cause.reason, cause.allowed)
			continue
		}

		outcome, execErr := e.executeStage(ctx, s, opts, tr)
		if execErr != nil {
			persistErr = execErr
			break
		}

		if outcome.Status == state.StatusFailed {
			switch s.Policy {
			case stage.PolicyWarnContinue:
				logger.Warn("stage failed, continuing per policy",
					"stage", s.Name, "exitCode", outcome.ExitCode)
			default:
				// fatal, or retry-then-fatal with budget exhausted
				aborted = true
				abortCode = outcome.ExitCode
				tr.markFirst(outcome)
			}
		}
	}

	// A cancelled run never completes, even when the interrupted stage
	// carried a warn-continue policy.
	if ctx.Err() != nil {
		aborted = true
		if abortCode == ExitOK {
			abortCode = ExitCancelled
		}
	}

	return e.finish(tr, stages, aborted, abortCode, persistErr)
}

// finish assembles the summary shared by both execution modes.
func (e *Engine) finish(tr *tracker, stages []stage.Stage, aborted bool, abortCode int, persistErr error) (Summary, error) {
	summary := Summary{Stages: tr.ordered(stages), First: tr.first}

	if persistErr != nil {
		summary.State = RunAborted
		summary.ExitCode = ExitOrchestration
		return summary, persistErr
	}

	if aborted {
		summary.State = RunAborted
		summary.ExitCode = abortCode
		if summary.ExitCode == 0 {
			summary.ExitCode = ExitOrchestration
		}
		return summary, nil
	}

	summary.State = RunCompleted
	summary.ExitCode = ExitOK
	return summary, nil
}

type skipCause struct {
	reason  string
	allowed bool // true when skipped by flag/predicate rather than failure
}

// shouldSkip evaluates the skip predicate, explicit skip flags, resume
// snapshot, and dependency health for a stage.
func (e *Engine) shouldSkip(tr *tracker, opts Options, s stage.Stage) (bool, skipCause) {
	if s.Skip != nil && s.Skip(e.cfg) {
		return true, skipCause{reason: "skipped by configuration", allowed: true}
	}
	if opts.SkipNames[s.Name] {
		return true, skipCause{reason: "skipped by flag", allowed: true}
	}

	for _, dep := range s.Needs {
		st, ok := tr.status(dep)
		if !ok {
			continue
		}
		switch st {
		case state.StatusFailed:
			return true, skipCause{reason: fmt.Sprintf("dependency %s failed", dep)}
		case state.StatusSkipped:
			if !tr.skipAllowed(dep) {
				return true, skipCause{reason: fmt.Sprintf("dependency %s skipped", dep)}
			}
		}
	}
	return false, skipCause{}
}

// skipStage records a skipped stage.
func (e *Engine) skipStage(tr *tracker, opts Options, s stage.Stage, cause string, allowed bool) error {
	outcome := StageOutcome{Name: s.Name, Status: state.StatusSkipped, Cause: cause}
	tr.record(outcome, allowed)
	opts.Events.StageFinished(outcome)
	return e.log.Append(state.Transition{
		Stage:  s.Name,
		Status: state.StatusSkipped,
		Cause:  cause,
	})
}

// executeStage runs one stage's command, applying the retry policy, and
// records every transition. The returned error is a persistence failure.
func (e *Engine) executeStage(ctx context.Context, s stage.Stage, opts Options, tr *tracker) (StageOutcome, error) {
	// A resumed stage that already succeeded (or was skipped) is carried
	// over, not re-executed.
	if prior, ok := opts.Resume[s.Name]; ok && prior.Status.Terminal() && prior.Status != state.StatusFailed {
		outcome := StageOutcome{
			Name:   s.Name,
			Status: prior.Status,
			Cause:  "resumed from previous run",
		}
		tr.record(outcome, prior.Status == state.StatusSkipped)
		opts.Events.StageFinished(outcome)
		return outcome, e.log.Append(state.Transition{
			Stage:  s.Name,
			Status: prior.Status,
			Cause:  outcome.Cause,
		})
	}

	layers := make([]map[string]string, 0, len(opts.EnvLayers)+1)
	layers = append(layers, opts.EnvLayers...)
	layers = append(layers, s.Env)
	env := envctx.Compose(layers...)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StageTimeout
	}

	maxRetries := 0
	if s.Policy == stage.PolicyRetryThenFatal {
		maxRetries = s.Retries
	}

	var (
		lastResult runner.Result
		lastErr    error
		persistErr error
		start      = time.Now()
	)

	retryCfg := retry.Config{
		MaxRetries: maxRetries,
		BaseDelay:  e.cfg.RetryDelay,
		OnRetry: func(delay time.Duration, attempt, max int) {
			opts.Events.StageRetrying(s.Name, delay, attempt, max)
		},
	}

	outcome, attempts := retry.Execute(ctx, retryCfg, func(attempt int) retry.Result {
		if err := e.log.Append(state.Transition{
			Stage:   s.Name,
			Status:  state.StatusRunning,
			Attempt: attempt,
		}); err != nil {
			persistErr = err
			return retry.Result{Retryable: false, Err: err}
		}
		opts.Events.StageStarted(s.Name, attempt)

		lastResult, lastErr = e.runner.Run(ctx, runner.Command{
			Program: s.Program,
			Args:    s.Args,
			Dir:     s.Dir,
			Env:     env,
			Timeout: timeout,
		})

		if lastErr == nil && lastResult.ExitCode == 0 {
			return retry.Result{Success: true}
		}
		return retry.Result{
			Retryable: retryable(lastErr),
			Err:       failureError(s.Name, lastResult, lastErr),
		}
	})
	duration := time.Since(start)

	if persistErr != nil {
		return StageOutcome{Name: s.Name, Status: state.StatusFailed}, persistErr
	}

	result := StageOutcome{
		Name:     s.Name,
		Attempts: attempts,
		Duration: duration,
	}

	if outcome.Success {
		result.Status = state.StatusSuccess
	} else {
		result.Status = state.StatusFailed
		result.ExitCode = failureExitCode(lastResult, lastErr)
		result.Cause = failureCause(ctx, lastResult, lastErr)
		result.StderrTail = runner.StderrTail(lastResult.Stderr, 5)
	}

	tr.record(result, false)
	opts.Events.StageFinished(result)

	return result, e.log.Append(state.Transition{
		Stage:      s.Name,
		Status:     result.Status,
		ExitCode:   result.ExitCode,
		Attempt:    attempts,
		DurationMs: duration.Milliseconds(),
		Cause:      result.Cause,
	})
}

// retryable classifies a failed invocation for the retry policy. Non-zero
// exits and timeouts may be transient; a command that cannot start at all
// will not start on the next attempt either.
func retryable(err error) bool {
	if err == nil {
		return true // ran, non-zero exit
	}
	if execErr, ok := err.(*runner.ExecError); ok {
		return execErr.Reason == runner.ReasonTimeout
	}
	return false
}

func failureError(name string, result runner.Result, err error) error {
	if err != nil {
		return err
	}
	return &StageError{
		Stage:      name,
		ExitCode:   result.ExitCode,
		StderrTail: runner.StderrTail(result.Stderr, 20),
	}
}

// failureExitCode maps a failed invocation to the code surfaced to the
// caller: the process's own exit code when it ran, a reserved sentinel
// otherwise.
func failureExitCode(result runner.Result, err error) int {
	if err == nil {
		return result.ExitCode
	}
	execErr, ok := err.(*runner.ExecError)
	if !ok {
		return ExitOrchestration
	}
	switch execErr.Reason {
	case runner.ReasonTimeout:
		return ExitTimeout
	case runner.ReasonCancelled:
		return ExitCancelled
	default:
		return ExitStartFailed
	}
}

func failureCause(ctx context.Context, result runner.Result, err error) string {
	if err != nil {
		if execErr, ok := err.(*runner.ExecError); ok && execErr.Reason == runner.ReasonCancelled {
			return "cancelled"
		}
		return err.Error()
	}
	if ctx.Err() != nil {
		return "cancelled"
	}
	return fmt.Sprintf("exit code %d", result.ExitCode)
}
