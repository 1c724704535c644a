package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/display"
	"github.com/kilnlabs/ciro/internal/manifest"
	"github.com/kilnlabs/ciro/internal/stage"
)

var (
	stagesRepoFlag    string
	stagesVariantFlag string
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Show the pipeline that would run",
	Long: `Show the resolved pipeline for the repository: the builtin CI replay
pipeline, or the stages from .ciro/pipeline.yaml when present. Each
line lists the stage's dependencies, failure policy, and command.`,
	RunE: runStages,
}

func init() {
	stagesCmd.Flags().StringVar(&stagesRepoFlag, "repo", ".", "Repository directory")
	stagesCmd.Flags().StringVar(&stagesVariantFlag, "variant", "", "Hardware variant")
	rootCmd.AddCommand(stagesCmd)
}

func runStages(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(stagesRepoFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Build(config.Options{
		RepoDir: stagesRepoFlag,
		Variant: stagesVariantFlag,
	}, settings)
	if err != nil {
		return err
	}

	stages, err := manifest.Load(cfg.RepoDir, cfg)
	source := "manifest"
	if errors.Is(err, manifest.ErrNotFound) {
		stages = stage.Builtin(cfg)
		source = "builtin"
	} else if err != nil {
		return err
	}

	fmt.Printf("pipeline: %s (%d stages, variant %s)\n\n", source, len(stages), cfg.Variant)
	for _, s := range stages {
		needs := "-"
		if len(s.Needs) > 0 {
			needs = strings.Join(s.Needs, ", ")
		}
		policy := string(s.Policy)
		if s.Policy == stage.PolicyRetryThenFatal {
			policy = fmt.Sprintf("%s (%d)", s.Policy, s.Retries)
		}
		fmt.Printf("  %-14s needs: %-20s policy: %-20s %s\n",
			display.StyleBold.Render(s.Name),
			needs,
			policy,
			display.StyleMuted.Render(s.Program+" "+strings.Join(s.Args, " ")),
		)
	}
	return nil
}
