package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/config"
	"github.com/updateagent/updateagent/agent/internal/metrics"
	"github.com/updateagent/updateagent/agent/internal/updatemanager"
	"github.com/updateagent/updateagent/util"
	"github.com/updateagent/updateagent/version"
)

const (
	runOnceFlag      = "run-once"
	applyPendingFlag = "apply-pending"
)

// ErrCycleFailed is returned by the one-shot modes when a cycle ended in a failure kind
var ErrCycleFailed = errors.New("update cycle failed")

var (
	configPath   string
	logLevel     string
	logFile      string
	runOnce      bool
	applyPending bool
	rootCmd      = &cobra.Command{
		Use:          "update-agent",
		Short:        "Stages and applies application updates in the background",
		Long:         "Without flags the agent runs as a long-lived service that periodically stages new releases and applies them while the application is closed.",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.RunE = rootRunE

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "agent config file location (defaults to config.json next to the executable, then the machine-wide file)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "overrides the logLevel config setting")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "overrides the logFile config setting. If console is specified the log will be output to stderr")

	rootCmd.Flags().BoolVar(&runOnce, runOnceFlag, false, "stage then apply once in the foreground and exit")
	rootCmd.Flags().BoolVar(&applyPending, applyPendingFlag, false, "apply a staged update once without checking for a new release and exit")
	rootCmd.MarkFlagsMutuallyExclusive(runOnceFlag, applyPendingFlag)

	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func rootRunE(cmd *cobra.Command, args []string) error {
	util.SetFlagsFromEnvVars(rootCmd)

	if !runOnce && !applyPending {
		return runService(cmd)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	SetupCloseHandler(ctx, cancel)

	return runOneShot(ctx, cfg, !applyPending)
}

// runOneShot runs a single stage (optional) and apply cycle and maps the result to the
// process exit status
func runOneShot(ctx context.Context, cfg *config.Config, stage bool) error {
	manager, err := newManager(ctx, cfg)
	if err != nil {
		return err
	}

	err = manager.RunOnce(ctx, stage)
	if agenterrors.IsFailure(err) {
		return fmt.Errorf("%w: %v", ErrCycleFailed, err)
	}
	return nil
}

// loadConfig resolves the agent config, applies the log flag overrides and initialises logging
func loadConfig() (*config.Config, error) {
	cfg, path := config.Load(configPath)

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	if err := util.InitLog(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, fmt.Errorf("failed initializing log %v", err)
	}

	if path == "" {
		log.Infof("no config file found, using defaults")
	} else {
		log.Infof("loaded config from %s", path)
	}
	if err := cfg.Validate(); err != nil {
		log.Warnf("config problems, stage cycles will fail until fixed: %v", err)
	}

	log.Infof("update agent %s, install root %s, state dir %s, channel %s",
		version.AgentVersion(), cfg.InstallRoot, cfg.StateDir, cfg.Channel)
	return cfg, nil
}

// newManager builds the manager with a private metrics registry. When a metrics listen
// address is configured the registry is served until ctx is done.
func newManager(ctx context.Context, cfg *config.Config) (*updatemanager.Manager, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	manager, err := updatemanager.NewFromConfig(cfg, metrics.New(reg), log.WithField("component", "updatemanager"))
	if err != nil {
		return nil, err
	}

	if cfg.MetricsListenAddress != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListenAddress, reg); err != nil {
				log.Errorf("metrics endpoint stopped: %v", err)
			}
		}()
	}

	return manager, nil
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)
		select {
		case <-ctx.Done():
			return
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}
