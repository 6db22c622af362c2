package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steroids-run/steroids/internal/cliutil"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "views",
	Short:   "Inspect merged configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the fully merged configuration (defaults < global < project < env)",
	Run: func(cmd *cobra.Command, args []string) {
		_, cfg, err := loadConfig()
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}

		if jsonOutput {
			cliutil.PrintJSON(cfg)
			return
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		fmt.Print(string(out))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
