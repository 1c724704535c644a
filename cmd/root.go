package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "ciro",
	Short: "Ciro - deterministic CI pipeline replay",
	Long: `Ciro replays the CI pipeline of a compute library checkout on the
local machine: environment setup, dependencies, build, tests, and
benchmarks, in the same order and with the same policies as CI.

Workflow:
  ciro run                  Replay the pipeline on the current checkout
  ciro run 1234             Fetch and replay PR #1234
  ciro run --branch dev     Replay a branch
  ciro status               Inspect the most recent run
  ciro history              List archived runs

Every stage transition is appended to a run log under the build
directory, so an interrupted run can be resumed with --resume.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Execute runs the root command and exits with a code reflecting the
// failure class: 2 for invalid input, the stage's own code for stage
// failures, 1 for everything else.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.msg != "" {
			fmt.Fprintln(os.Stderr, "error: "+exitErr.msg)
		}
		os.Exit(exitErr.code)
	}

	fmt.Fprintln(os.Stderr, "error: "+err.Error())

	var verr *config.ValidationError
	if errors.As(err, &verr) {
		os.Exit(engine.ExitConfig)
	}
	os.Exit(engine.ExitOrchestration)
}
