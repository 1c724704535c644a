package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/display"
	"github.com/kilnlabs/ciro/internal/history"
)

var (
	historyRepoFlag  string
	historyLimitFlag int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived runs",
	Long:  `List past runs from the archive, newest first.`,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyRepoFlag, "repo", ".", "Repository directory")
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 20, "Max runs to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := filepath.Join(historyRepoFlag, config.CiroDir, config.HistoryFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("no archived runs")
		return nil
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(cmd.Context(), historyLimitFlag)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no archived runs")
		return nil
	}

	for _, e := range entries {
		stateStr := e.State
		switch e.State {
		case "completed":
			stateStr = display.StyleSuccess.Render(e.State)
		case "aborted":
			stateStr = display.StyleError.Render(e.State)
		}
		elapsed := e.FinishedAt.Sub(e.StartedAt).Round(time.Second)
		line := fmt.Sprintf("%s  %s  %-10s %-6s %s",
			e.StartedAt.Local().Format("2006-01-02 15:04"),
			display.StyleAccent.Render(e.ID),
			stateStr, e.Variant, e.Target)
		if e.StagesFailed > 0 {
			line += display.StyleError.Render(fmt.Sprintf("  %d failed", e.StagesFailed))
		}
		line += display.StyleMuted.Render("  " + elapsed.String())
		fmt.Println(line)
	}
	return nil
}
