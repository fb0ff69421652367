package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/updateagent/updateagent/agent/internal/config"
	"github.com/updateagent/updateagent/agent/internal/process"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/installer"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/pending"
	"github.com/updateagent/updateagent/util"
)

var (
	waitFlag    bool
	waitTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "shows the installed version, the staged update and the last apply result",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(rootCmd)
		util.SetFlagsFromEnvVars(cmd)
		cmd.SetOut(cmd.OutOrStdout())

		level := logLevel
		if level == "" {
			level = "warn"
		}
		if err := util.InitLog(level, util.ConsoleLog); err != nil {
			return fmt.Errorf("failed initializing log %v", err)
		}

		cfg, _ := config.Load(configPath)

		if waitFlag {
			ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
			defer cancel()
			if err := waitForResult(ctx, cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
		}

		return printStatus(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&waitFlag, "wait", "w", false, "block until a new apply result is written")
	statusCmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "maximum time to wait for a new apply result")
}

// waitForResult blocks until an apply attempt newer than the current result finishes
func waitForResult(ctx context.Context, w io.Writer, cfg *config.Config) error {
	results := installer.NewResultHandler(cfg.StateDir)

	previous := ""
	if last, err := results.Read(); err == nil {
		previous = last.AttemptID
	}

	_, _ = fmt.Fprintf(w, "Waiting for the next apply result in %s\n", results.Path())
	if _, err := results.Watch(ctx, previous); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no apply result within the timeout")
		}
		return fmt.Errorf("wait for apply result: %w", err)
	}
	return nil
}

func printStatus(w io.Writer, cfg *config.Config) error {
	logger := log.WithField("component", "status")
	store := pending.NewStore(cfg.StateDir, logger)
	installed := process.NewVersionReader(store, func() string {
		return filepath.Join(installer.LiveRoot(cfg.InstallRoot, cfg.MainExecutableName), cfg.MainExecutableName)
	}, logger).InstalledVersion()

	_, _ = fmt.Fprintf(w, "Install root: %s\n", cfg.InstallRoot)
	_, _ = fmt.Fprintf(w, "State dir: %s\n", cfg.StateDir)
	_, _ = fmt.Fprintf(w, "Channel: %s\n", cfg.Channel)
	if installed.IsZero() {
		_, _ = fmt.Fprintln(w, "Installed version: unknown")
	} else {
		_, _ = fmt.Fprintf(w, "Installed version: %s\n", installed)
	}

	staged, err := store.Load()
	switch {
	case err != nil:
		_, _ = fmt.Fprintf(w, "Pending update: unreadable (%v)\n", err)
	case staged == nil:
		_, _ = fmt.Fprintln(w, "Pending update: none")
	default:
		_, _ = fmt.Fprintf(w, "Pending update: %s (staged %s)\n", staged.Version,
			time.UnixMilli(staged.DownloadedAt).UTC().Format(time.RFC3339))
	}

	failures, err := store.Failures()
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		_, _ = fmt.Fprintf(w, "Failed apply attempts: %d (latest %s)\n", len(failures), filepath.Base(failures[len(failures)-1]))
	}

	result, err := installer.NewResultHandler(cfg.StateDir).Read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		_, _ = fmt.Fprintln(w, "Last apply: none")
	case err != nil:
		_, _ = fmt.Fprintf(w, "Last apply: unreadable (%v)\n", err)
	case result.Success:
		_, _ = fmt.Fprintf(w, "Last apply: %s succeeded at %s\n", result.Version, result.ExecutedAt.UTC().Format(time.RFC3339))
	default:
		_, _ = fmt.Fprintf(w, "Last apply: %s failed at %s: %s\n", result.Version, result.ExecutedAt.UTC().Format(time.RFC3339), result.Error)
	}

	return nil
}
