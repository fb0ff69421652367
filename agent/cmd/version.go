package cmd

import (
	"github.com/spf13/cobra"

	"github.com/updateagent/updateagent/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints the update agent version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SetOut(cmd.OutOrStdout())
		cmd.Println(version.AgentVersion())
	},
}
