package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/manifest"
	"github.com/updateagent/updateagent/util"
)

const (
	// FileName is looked up next to the agent executable
	FileName = "config.json"

	stateDirName = ".update-agent"

	minCheckIntervalHours        = 1
	minApplyCheckIntervalMinutes = 1
)

// Config is the agent configuration. Every field has a default; a missing or malformed
// file leaves the defaults in place.
type Config struct {
	UpdateEndpoint                string   `json:"updateEndpoint" yaml:"updateEndpoint"`
	Channel                       string   `json:"channel" yaml:"channel"`
	CheckIntervalHours            int      `json:"checkIntervalHours" yaml:"checkIntervalHours"`
	InitialDelaySeconds           int      `json:"initialDelaySeconds" yaml:"initialDelaySeconds"`
	ApplyCheckIntervalMinutes     int      `json:"applyCheckIntervalMinutes" yaml:"applyCheckIntervalMinutes"`
	InstallRoot                   string   `json:"installRoot" yaml:"installRoot"`
	MainExecutableName            string   `json:"mainExecutableName" yaml:"mainExecutableName"`
	ExpectedCertificateThumbprint string   `json:"expectedCertificateThumbprint,omitempty" yaml:"expectedCertificateThumbprint,omitempty"`
	SignaturePublicKeyPem         string   `json:"signaturePublicKeyPem,omitempty" yaml:"signaturePublicKeyPem,omitempty"`
	StateDir                      string   `json:"stateDir" yaml:"stateDir"`
	LogLevel                      string   `json:"logLevel" yaml:"logLevel"`
	LogFile                       string   `json:"logFile" yaml:"logFile"`
	MetricsListenAddress          string   `json:"metricsListenAddress,omitempty" yaml:"metricsListenAddress,omitempty"`
	SettleDelaySeconds            int      `json:"settleDelaySeconds" yaml:"settleDelaySeconds"`
	DownloadRetryDelaySeconds     int      `json:"downloadRetryDelaySeconds" yaml:"downloadRetryDelaySeconds"`
	ExcludedFiles                 []string `json:"excludedFiles,omitempty" yaml:"excludedFiles,omitempty"`
}

// DefaultConfig returns a Config with default values. Paths are resolved by Normalize.
func DefaultConfig() *Config {
	return &Config{
		Channel:                   manifest.ChannelStable,
		CheckIntervalHours:        4,
		InitialDelaySeconds:       30,
		ApplyCheckIntervalMinutes: 5,
		MainExecutableName:        "App.exe",
		LogLevel:                  "info",
		LogFile:                   util.ConsoleLog,
		SettleDelaySeconds:        3,
		DownloadRetryDelaySeconds: 3,
	}
}

// SearchPaths lists the candidate config files in lookup order: the explicit path, the
// per-process file next to the executable and the per-machine file
func SearchPaths(explicit, exeDir string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var paths []string
	if exeDir != "" {
		paths = append(paths, filepath.Join(exeDir, FileName))
	}
	return append(paths, machineConfigPath())
}

// Load reads the first existing file of SearchPaths and normalizes the result. It returns
// the file that was used, or "" when the defaults were kept.
func Load(explicit string) (*Config, string) {
	exeDir := ""
	if exe, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exe)
	}
	return LoadFrom(SearchPaths(explicit, exeDir), exeDir)
}

// LoadFrom is Load with explicit candidates and executable directory
func LoadFrom(paths []string, exeDir string) (*Config, string) {
	for _, path := range paths {
		if !util.FileExists(path) {
			log.Debugf("config file %s not found", path)
			continue
		}

		cfg, err := readFile(path)
		if err != nil {
			log.Warnf("ignoring malformed config file %s, using defaults: %v", path, err)
			cfg = DefaultConfig()
			cfg.Normalize(exeDir)
			return cfg, ""
		}

		cfg.Normalize(exeDir)
		return cfg, path
	}

	cfg := DefaultConfig()
	cfg.Normalize(exeDir)
	return cfg, ""
}

func readFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if _, err := util.ReadJsonWithEnvSub(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return cfg, nil
}

// Normalize fills the path defaults relative to exeDir, normalizes the channel and clamps
// the intervals to their minimums
func (c *Config) Normalize(exeDir string) {
	c.UpdateEndpoint = strings.TrimSpace(c.UpdateEndpoint)
	c.Channel = manifest.NormalizeChannel(c.Channel)

	if c.CheckIntervalHours < minCheckIntervalHours {
		c.CheckIntervalHours = minCheckIntervalHours
	}
	if c.ApplyCheckIntervalMinutes < minApplyCheckIntervalMinutes {
		c.ApplyCheckIntervalMinutes = minApplyCheckIntervalMinutes
	}
	if c.InitialDelaySeconds < 0 {
		c.InitialDelaySeconds = 0
	}
	if c.SettleDelaySeconds < 0 {
		c.SettleDelaySeconds = 0
	}
	if c.DownloadRetryDelaySeconds < 0 {
		c.DownloadRetryDelaySeconds = 0
	}

	if strings.TrimSpace(c.InstallRoot) == "" {
		c.InstallRoot = exeDir
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = filepath.Join(c.InstallRoot, stateDirName)
	}
	if strings.TrimSpace(c.MainExecutableName) == "" {
		c.MainExecutableName = DefaultConfig().MainExecutableName
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultConfig().LogLevel
	}
	if c.LogFile == "" {
		c.LogFile = util.ConsoleLog
	}
}

// Validate reports settings that make every stage cycle fail
func (c *Config) Validate() error {
	var merr *multierror.Error

	if c.UpdateEndpoint == "" {
		merr = multierror.Append(merr, fmt.Errorf("updateEndpoint is not configured"))
	} else if err := manifest.RequireHTTPS(c.UpdateEndpoint); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("updateEndpoint: %w", err))
	}

	if filepath.Base(c.MainExecutableName) != c.MainExecutableName {
		merr = multierror.Append(merr, fmt.Errorf("mainExecutableName %q must be a file name", c.MainExecutableName))
	}

	if c.InstallRoot == "" {
		merr = multierror.Append(merr, fmt.Errorf("installRoot could not be determined"))
	}

	if err := agenterrors.FormatErrorOrNil(merr); err != nil {
		return agenterrors.New(agenterrors.KindConfig, "validate config", err)
	}
	return nil
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalHours) * time.Hour
}

func (c *Config) ApplyInterval() time.Duration {
	return time.Duration(c.ApplyCheckIntervalMinutes) * time.Minute
}

func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelaySeconds) * time.Second
}

func (c *Config) DownloadRetryDelay() time.Duration {
	return time.Duration(c.DownloadRetryDelaySeconds) * time.Second
}
