package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	jsonOutput  bool
	projectFlag string
)

var rootCmd = &cobra.Command{
	Use:   "steroids",
	Short: "Automated AI task-execution orchestrator",
	Long: `steroids drives a queue of tasks through a coder/reviewer loop of
AI CLI invocations, one lease at a time, recovering stuck work and pausing
on credit exhaustion instead of failing the run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Run commands:"},
		&cobra.Group{ID: "views", Title: "Inspection commands:"},
		&cobra.Group{ID: "admin", Title: "Admin commands:"},
	)
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project directory (default: current directory)")
}

// Execute runs the command tree, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// projectDir resolves --project, defaulting to the working directory.
func projectDir() (string, error) {
	if projectFlag != "" {
		return projectFlag, nil
	}
	return os.Getwd()
}
