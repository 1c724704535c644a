package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/ciro/internal/config"
)

var configRepoFlag string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective settings for the repository: defaults merged with
.ciro/config.yaml.`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().StringVar(&configRepoFlag, "repo", ".", "Repository directory")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(configRepoFlag)
	if err != nil {
		return err
	}

	fmt.Printf("defaultVariant: %s\n", settings.DefaultVariant)
	fmt.Printf("jobs:           %d\n", settings.Jobs)
	fmt.Printf("stageTimeout:   %s\n", settings.StageTimeout)
	fmt.Printf("maxRetries:     %d\n", settings.MaxRetries)
	fmt.Printf("retryDelay:     %s\n", settings.RetryDelay)
	fmt.Printf("buildDir:       %s\n", settings.BuildDir)
	fmt.Printf("passthrough:    %s\n", strings.Join(settings.Passthrough, ", "))

	names := make([]string, 0, len(settings.Variants))
	for name := range settings.Variants {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("variants:")
	for _, name := range names {
		v := settings.Variants[name]
		fmt.Printf("  %s:\n", name)
		if v.Device != "" {
			fmt.Printf("    device: %s\n", v.Device)
		}
		if len(v.EnvFiles) > 0 {
			fmt.Printf("    envFiles: %s\n", strings.Join(v.EnvFiles, ", "))
		}
		if len(v.CMakeDefines) > 0 {
			fmt.Printf("    cmakeDefines: %s\n", strings.Join(v.CMakeDefines, " "))
		}
		keys := make([]string, 0, len(v.Env))
		for k := range v.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    env: %s=%s\n", k, v.Env[k])
		}
	}
	return nil
}
