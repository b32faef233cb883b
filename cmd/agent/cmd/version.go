package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags "-X mt5-risk-engine-go/cmd/agent/cmd.version=..." 覆盖
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agent version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
