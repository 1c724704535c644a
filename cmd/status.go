package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/display"
	"github.com/kilnlabs/ciro/internal/state"
)

var (
	statusRepoFlag     string
	statusBuildDirFlag string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the most recent run",
	Long: `Show the stage-by-stage record of the most recent run: final status,
exit code, attempts, and duration for each stage, replayed from the
run log under the build directory.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRepoFlag, "repo", ".", "Repository directory")
	statusCmd.Flags().StringVar(&statusBuildDirFlag, "build-dir", "", "Build directory (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	buildDir, err := resolveBuildDir(statusRepoFlag, statusBuildDirFlag)
	if err != nil {
		return err
	}

	runsDir := filepath.Join(buildDir, config.CiroDir, config.RunsDir)
	path, err := state.Latest(runsDir)
	if err != nil {
		return err
	}
	run, err := state.Load(path)
	if err != nil {
		return err
	}

	hdr := run.Header
	fmt.Printf("run %s  %s  variant=%s  started %s\n",
		display.StyleAccent.Render(hdr.RunID),
		hdr.Label,
		hdr.Variant,
		hdr.StartedAt.Local().Format(time.RFC822),
	)
	if hdr.Commit != "" {
		fmt.Println(display.StyleMuted.Render("commit " + hdr.Commit))
	}
	fmt.Println()

	for _, name := range stageOrder(run) {
		t := run.Snapshot()[name]
		line := fmt.Sprintf("%-16s %-8s", name, t.Status)
		switch t.Status {
		case state.StatusSuccess:
			line = display.StyleSuccess.Render(line)
		case state.StatusFailed:
			line = display.StyleError.Render(line)
			line += fmt.Sprintf("  exit=%d", t.ExitCode)
		case state.StatusSkipped:
			line = display.StyleMuted.Render(line)
		}
		if t.Attempt > 1 {
			line += fmt.Sprintf("  attempts=%d", t.Attempt)
		}
		if t.DurationMs > 0 {
			line += "  " + (time.Duration(t.DurationMs) * time.Millisecond).Round(10*time.Millisecond).String()
		}
		if t.Cause != "" && t.Status == state.StatusSkipped {
			line += "  " + display.StyleMuted.Render("("+t.Cause+")")
		}
		fmt.Println("  " + line)
	}
	return nil
}

// stageOrder lists stages by first appearance in the log.
func stageOrder(run *state.RunLog) []string {
	seen := make(map[string]bool)
	var order []string
	for _, t := range run.Transitions {
		if !seen[t.Stage] {
			seen[t.Stage] = true
			order = append(order, t.Stage)
		}
	}
	return order
}

// resolveBuildDir mirrors the run command's build-dir resolution for
// read-only commands.
func resolveBuildDir(repoDir, buildDir string) (string, error) {
	settings, err := config.Load(repoDir)
	if err != nil {
		return "", err
	}
	if buildDir == "" {
		buildDir = settings.BuildDir
	}
	if !filepath.IsAbs(buildDir) {
		abs, err := filepath.Abs(filepath.Join(repoDir, buildDir))
		if err != nil {
			return "", err
		}
		buildDir = abs
	}
	return buildDir, nil
}
