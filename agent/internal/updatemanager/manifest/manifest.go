package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/downloader"
)

const (
	ChannelStable = "stable"
	ChannelBeta   = "beta"

	releasesFileName = "releases.json"
	manifestLimit    = 1024 * 1024
)

// Release is one publishable release on a channel, as served in releases.json
type Release struct {
	Version      string `json:"version"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// Fetcher retrieves the release manifest of a channel
type Fetcher struct {
	downloader *downloader.Downloader
	log        *log.Entry
}

func NewFetcher(d *downloader.Downloader, logger *log.Entry) *Fetcher {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Fetcher{
		downloader: d,
		log:        logger.WithField("component", "manifest"),
	}
}

// Fetch returns the newest release of the channel or nil. Failures are logged and never
// returned: callers treat a missing manifest exactly like "no update available".
func (f *Fetcher) Fetch(ctx context.Context, endpoint, channel string) *Release {
	release, err := f.Lookup(ctx, endpoint, channel)
	if err != nil {
		f.log.Errorf("failed to fetch release manifest: %v", err)
		return nil
	}
	return release
}

// Lookup is Fetch with the failure reported as a typed error
func (f *Fetcher) Lookup(ctx context.Context, endpoint, channel string) (*Release, error) {
	manifestURL, err := URL(endpoint, channel)
	if err != nil {
		return nil, err
	}

	f.log.Debugf("fetching release manifest from %s", manifestURL)
	data, err := f.downloader.DownloadToMemory(ctx, manifestURL, manifestLimit)
	if err != nil {
		return nil, err
	}

	release, err := Parse(data)
	if err != nil {
		return nil, agenterrors.New(agenterrors.KindNetwork, "parse manifest", err)
	}
	return release, nil
}

// Parse accepts either an array of releases, taking the first element, or a single release object
func Parse(data []byte) (*Release, error) {
	var releases []Release
	if err := json.Unmarshal(data, &releases); err == nil && len(releases) > 0 {
		return validate(&releases[0])
	}

	var release Release
	if err := json.Unmarshal(data, &release); err != nil {
		return nil, fmt.Errorf("manifest is neither a release array nor a release object: %w", err)
	}
	return validate(&release)
}

func validate(r *Release) (*Release, error) {
	r.Version = strings.TrimSpace(r.Version)
	if r.Version == "" {
		return nil, fmt.Errorf("manifest carries no version")
	}
	return r, nil
}

// NormalizeChannel maps anything but "beta" (case-insensitive) to "stable"
func NormalizeChannel(channel string) string {
	if strings.EqualFold(strings.TrimSpace(channel), ChannelBeta) {
		return ChannelBeta
	}
	return ChannelStable
}

// URL builds <endpoint>/<channel>/releases.json after enforcing HTTPS on the endpoint
func URL(endpoint, channel string) (string, error) {
	if err := RequireHTTPS(endpoint); err != nil {
		return "", err
	}
	return strings.TrimRight(endpoint, "/") + "/" + NormalizeChannel(channel) + "/" + releasesFileName, nil
}

// RequireHTTPS refuses anything that is not an absolute https URL with a host
func RequireHTTPS(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return agenterrors.New(agenterrors.KindPolicy, "require https", fmt.Errorf("invalid URL %q: %w", raw, err))
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return agenterrors.Newf(agenterrors.KindPolicy, "require https", "refusing non-HTTPS URL %q", raw)
	}
	return nil
}

// ResolveDownloadURL resolves a manifest downloadUrl against the endpoint. Absolute URLs
// pass through, "/path" is appended to the endpoint and any other relative reference is
// placed under <endpoint>/<channel>/. The result must be HTTPS.
func ResolveDownloadURL(endpoint, channel, downloadURL string) (string, error) {
	downloadURL = strings.TrimSpace(downloadURL)
	if downloadURL == "" {
		return "", agenterrors.Newf(agenterrors.KindPolicy, "resolve download url", "manifest has no downloadUrl")
	}

	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	var resolved string
	u, err := url.Parse(downloadURL)
	switch {
	case err == nil && u.IsAbs():
		resolved = downloadURL
	case strings.HasPrefix(downloadURL, "/"):
		resolved = base + downloadURL
	default:
		resolved = base + "/" + NormalizeChannel(channel) + "/" + downloadURL
	}

	if err := RequireHTTPS(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}
