package cmd

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/updateagent/updateagent/agent/internal/config"
	"github.com/updateagent/updateagent/agent/internal/updatemanager"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the update agent service",
}

var serviceName string

type program struct {
	cfg *config.Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	manager *updatemanager.Manager
}

func init() {
	defaultServiceName := "update-agent"
	if runtime.GOOS == "windows" {
		defaultServiceName = "UpdateAgent"
	}

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "service", "s", defaultServiceName, "update agent system service name")
	serviceCmd.AddCommand(runCmd, startCmd, stopCmd, installCmd, uninstallCmd)
}

func newProgram(cfg *config.Config) *program {
	return &program{cfg: cfg}
}

func newSVCConfig() *service.Config {
	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "Update Agent",
		Description: "Stages and applies application updates in the background",
		Option:      make(service.KeyValue),
	}

	if runtime.GOOS == "windows" {
		svcConfig.Option["OnFailure"] = "restart"
	}
	if runtime.GOOS == "linux" {
		// Respected only by systemd systems
		svcConfig.Dependencies = []string{"After=network-online.target"}
	}

	return svcConfig
}

func newSVC(prg *program, conf *service.Config) (service.Service, error) {
	return service.New(prg, conf)
}

// Start should not block. The scheduler loops run until Stop.
func (p *program) Start(s service.Service) error {
	log.Info("starting update agent service") //nolint

	ctx, cancel := context.WithCancel(context.Background())
	manager, err := newManager(ctx, p.cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("create update manager: %w", err)
	}

	p.mu.Lock()
	p.cancel = cancel
	p.manager = manager
	p.mu.Unlock()

	manager.Start(ctx)
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager != nil {
		p.manager.Stop()
		p.manager = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	log.Info("stopped update agent service") //nolint
	return nil
}

// runService hosts the scheduler under the system service manager, or in the foreground
// until interrupted when started from a terminal
func runService(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := newSVC(newProgram(cfg), newSVCConfig())
	if err != nil {
		return err
	}

	if err := s.Run(); err != nil {
		return fmt.Errorf("run service: %w", err)
	}
	return nil
}
