package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/updateagent/updateagent/util"
)

var errNotAdmin = errors.New("service management requires administrator privileges")

// buildServiceArguments forwards the flags the service needs to find its config and log
func buildServiceArguments() []string {
	args := []string{
		"service",
		"run",
		"--service",
		serviceName,
	}

	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	if logFile != "" {
		args = append(args, "--log-file", logFile)
	}

	return args
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "installs the update agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(rootCmd)
		util.SetFlagsFromEnvVars(serviceCmd)
		cmd.SetOut(cmd.OutOrStdout())
		if !util.IsAdmin() {
			return errNotAdmin
		}

		svcConfig := newSVCConfig()
		svcConfig.Arguments = buildServiceArguments()

		s, err := newSVC(newProgram(nil), svcConfig)
		if err != nil {
			return err
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("install service: %w", err)
		}

		cmd.Println("Update agent service has been installed")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "uninstalls the update agent service from system",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(serviceCmd)
		cmd.SetOut(cmd.OutOrStdout())
		if !util.IsAdmin() {
			return errNotAdmin
		}

		s, err := newSVC(newProgram(nil), newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("uninstall service: %w", err)
		}

		cmd.Println("Update agent service has been uninstalled")
		return nil
	},
}
