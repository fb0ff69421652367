package staging

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/appversion"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/downloader"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/manifest"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/pending"
)

const (
	stagingDirName     = "staging"
	payloadDirName     = "payload"
	defaultPackageName = "package.zip"
	supportedExt       = ".zip"
)

// Outcome is the result of one stage cycle
type Outcome int

const (
	OutcomeNoUpdate Outcome = iota
	OutcomeAlreadyStaged
	OutcomeStaged
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoUpdate:
		return "no_update"
	case OutcomeAlreadyStaged:
		return "already_staged"
	case OutcomeStaged:
		return "staged"
	default:
		return "failed"
	}
}

type ManifestSource interface {
	Fetch(ctx context.Context, endpoint, channel string) *manifest.Release
}

type PackageDownloader interface {
	DownloadToFile(ctx context.Context, url, dstFile string) (int64, error)
}

type PackageVerifier interface {
	VerifyFile(path string, m manifest.Release) error
}

type InstalledVersionSource interface {
	InstalledVersion() appversion.Version
}

type Config struct {
	Endpoint string
	Channel  string
	StateDir string
}

// Pipeline downloads, verifies and extracts a newer release and records it as pending
type Pipeline struct {
	cfg        Config
	manifests  ManifestSource
	downloader PackageDownloader
	verifier   PackageVerifier
	store      *pending.Store
	installed  InstalledVersionSource
	now        func() time.Time
	log        *log.Entry
}

func NewPipeline(cfg Config, manifests ManifestSource, dl PackageDownloader, verifier PackageVerifier, store *pending.Store, installed InstalledVersionSource, logger *log.Entry) *Pipeline {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Pipeline{
		cfg:        cfg,
		manifests:  manifests,
		downloader: dl,
		verifier:   verifier,
		store:      store,
		installed:  installed,
		now:        time.Now,
		log:        logger.WithField("component", "staging"),
	}
}

// Root is the directory holding one staging folder per version
func Root(stateDir string) string {
	return filepath.Join(stateDir, stagingDirName)
}

// CheckAndStage runs one stage cycle. It is idempotent: a version that is already pending
// is never downloaded again.
func (p *Pipeline) CheckAndStage(ctx context.Context) (Outcome, error) {
	if err := manifest.RequireHTTPS(p.cfg.Endpoint); err != nil {
		p.log.Errorf("policy violation, stage cycle aborted: %v", err)
		return OutcomeFailed, err
	}

	release := p.manifests.Fetch(ctx, p.cfg.Endpoint, p.cfg.Channel)
	if release == nil {
		p.log.Debugf("no manifest available")
		return OutcomeNoUpdate, nil
	}

	installed := p.installed.InstalledVersion()
	remote := appversion.Parse(release.Version)
	if !appversion.IsNewer(remote, installed) {
		p.log.Infof("no update: latest %s, installed %s", release.Version, installed)
		return OutcomeNoUpdate, nil
	}

	current, err := p.store.Load()
	if err != nil {
		p.log.Warnf("ignoring unreadable pending record: %v", err)
	}
	if current != nil && strings.TrimSpace(current.Version) == release.Version {
		p.log.Infof("version %s is already staged", release.Version)
		return OutcomeAlreadyStaged, nil
	}

	if err := p.stage(ctx, release); err != nil {
		p.log.Errorf("failed to stage version %s: %v", release.Version, err)
		return OutcomeFailed, err
	}
	return OutcomeStaged, nil
}

func (p *Pipeline) stage(ctx context.Context, release *manifest.Release) error {
	if strings.TrimSpace(release.DownloadURL) == "" {
		return agenterrors.Newf(agenterrors.KindPolicy, "stage", "manifest for %s has no downloadUrl", release.Version)
	}

	downloadURL, err := manifest.ResolveDownloadURL(p.cfg.Endpoint, p.cfg.Channel, release.DownloadURL)
	if err != nil {
		return err
	}

	versionDir, err := versionDir(p.cfg.StateDir, release.Version)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return agenterrors.New(agenterrors.KindIO, "stage", err)
	}

	packagePath := filepath.Join(versionDir, packageName(downloadURL))
	p.log.Infof("downloading version %s from %s", release.Version, downloadURL)
	n, err := p.downloader.DownloadToFile(ctx, downloadURL, packagePath)
	if err != nil {
		return err
	}
	p.log.Debugf("downloaded %d bytes to %s", n, packagePath)

	if err := p.verifier.VerifyFile(packagePath, *release); err != nil {
		return err
	}

	if !strings.EqualFold(filepath.Ext(packagePath), supportedExt) {
		p.removeBestEffort(packagePath)
		return agenterrors.Newf(agenterrors.KindUnsupportedPackage, "stage", "package %s is not a zip archive", filepath.Base(packagePath))
	}

	payloadDir := filepath.Join(versionDir, payloadDirName)
	if err := os.RemoveAll(payloadDir); err != nil {
		return agenterrors.New(agenterrors.KindIO, "stage", err)
	}
	if err := extractZip(ctx, packagePath, payloadDir, p.log); err != nil {
		p.removeBestEffort(payloadDir)
		return err
	}

	update := &pending.Update{
		Version:      release.Version,
		DownloadedAt: p.now().UTC().UnixMilli(),
		PackagePath:  packagePath,
		StagedPath:   payloadDir,
		ReleaseNotes: release.ReleaseNotes,
	}
	if err := p.store.Save(update); err != nil {
		return err
	}

	p.log.Infof("version %s staged in %s", release.Version, payloadDir)
	return nil
}

func (p *Pipeline) removeBestEffort(path string) {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Debugf("failed to remove %s: %v", path, err)
	}
}

// versionDir maps a release version to its staging folder, refusing anything that is not a
// single path element
func versionDir(stateDir, version string) (string, error) {
	v := strings.TrimSpace(version)
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\:`) {
		return "", agenterrors.Newf(agenterrors.KindPolicy, "stage", "version %q cannot name a staging directory", version)
	}
	return filepath.Join(Root(stateDir), v), nil
}

func packageName(downloadURL string) string {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return defaultPackageName
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || strings.ContainsAny(name, `\:`) {
		return defaultPackageName
	}
	return name
}

// ensure the downloader satisfies the interface used here
var _ PackageDownloader = (*downloader.Downloader)(nil)
