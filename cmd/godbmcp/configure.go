package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rickchristie/dbmcp/internal/configure"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run the interactive configuration wizard",
	Long: `Walk through every configuration field and write the result.

The file is written as YAML when the path ends in .yaml or .yml, JSON
otherwise. Existing values are offered as the current answer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveConfigPath(flagConfig, os.Getenv)
		printBanner(os.Stderr, isTTY(os.Stderr.Fd()))
		return configure.Run(path)
	},
}
