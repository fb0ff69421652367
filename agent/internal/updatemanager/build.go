package updatemanager

import (
	"net/http"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/updateagent/updateagent/agent/internal/config"
	"github.com/updateagent/updateagent/agent/internal/metrics"
	"github.com/updateagent/updateagent/agent/internal/process"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/downloader"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/installer"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/manifest"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/pending"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/staging"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/verify"
	"github.com/updateagent/updateagent/util"
)

// NewFromConfig wires the stage pipeline and the apply engine described by cfg. All HTTP
// traffic goes through one client instrumented by m.
func NewFromConfig(cfg *config.Config, m *metrics.Metrics, logger *log.Entry) (*Manager, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	client := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	return newFromConfig(cfg, client, process.NewDetector(logger), m, logger)
}

func newFromConfig(cfg *config.Config, client *http.Client, running installer.RunningChecker, m *metrics.Metrics, logger *log.Entry) (*Manager, error) {
	instrumented := *client
	instrumented.Transport = m.RoundTripper(client.Transport)

	verifier, err := verify.New(cfg.SignaturePublicKeyPem, cfg.ExpectedCertificateThumbprint, nil, logger)
	if err != nil {
		return nil, err
	}

	if err := util.SecureDir(cfg.StateDir); err != nil {
		logger.Warnf("failed to restrict access to state dir %s: %v", cfg.StateDir, err)
	}

	dl := downloader.New(&instrumented, cfg.DownloadRetryDelay(), logger)
	store := pending.NewStore(cfg.StateDir, logger)
	installed := process.NewVersionReader(store, func() string {
		return filepath.Join(installer.LiveRoot(cfg.InstallRoot, cfg.MainExecutableName), cfg.MainExecutableName)
	}, logger)

	pipeline := staging.NewPipeline(staging.Config{
		Endpoint: cfg.UpdateEndpoint,
		Channel:  cfg.Channel,
		StateDir: cfg.StateDir,
	}, manifest.NewFetcher(dl, logger), dl, verifier, store, installed, logger)

	engine := installer.NewEngine(installer.Config{
		InstallRoot:    cfg.InstallRoot,
		MainExecutable: cfg.MainExecutableName,
		StateDir:       cfg.StateDir,
		SettleDelay:    cfg.SettleDelay(),
		ExcludedFiles:  cfg.ExcludedFiles,
	}, store, running, logger)

	return NewManager(Schedule{
		InitialDelay:  cfg.InitialDelay(),
		CheckInterval: cfg.CheckInterval(),
		ApplyInterval: cfg.ApplyInterval(),
	}, pipeline, engine, m, logger), nil
}
