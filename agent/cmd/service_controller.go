package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/updateagent/updateagent/util"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the update agent as a service",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(rootCmd)
		util.SetFlagsFromEnvVars(serviceCmd)
		return runService(cmd)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the update agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(serviceCmd)
		cmd.SetOut(cmd.OutOrStdout())

		s, err := newSVC(newProgram(nil), newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
		cmd.Println("Update agent service has been started")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stops the update agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(serviceCmd)
		cmd.SetOut(cmd.OutOrStdout())

		s, err := newSVC(newProgram(nil), newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Stop(); err != nil {
			return fmt.Errorf("stop service: %w", err)
		}
		cmd.Println("Update agent service has been stopped")
		return nil
	},
}
