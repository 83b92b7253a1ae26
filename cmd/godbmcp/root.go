package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickchristie/dbmcp/internal/meta"
)

// defaultConfigPath is used when neither --config nor GODBMCP_CONFIG_PATH is set.
const defaultConfigPath = ".godbmcp/config.json"

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "godbmcp",
	Short: "Read-only PostgreSQL MCP server over stdio",
	Long: `godbmcp exposes one PostgreSQL schema to MCP clients over stdin/stdout.

Every statement is checked against a read-only, single-schema policy before it
reaches the database, and results are bounded by rows, bytes and time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the configuration file (JSON, or YAML for .yaml/.yml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("godbmcp %s\n", meta.Version))
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = meta.Version
	return rootCmd.Execute()
}
