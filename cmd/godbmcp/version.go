package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickchristie/dbmcp/internal/meta"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the godbmcp version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (MCP protocol %s)\n", meta.Name, meta.Version, meta.ProtocolVersion)
	},
}
