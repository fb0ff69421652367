package process

import (
	"debug/buildinfo"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/updateagent/updateagent/agent/internal/updatemanager/appversion"
)

// MarkerSource provides the version recorded by the last successful apply
type MarkerSource interface {
	InstalledVersion() string
}

// VersionReader resolves the installed version of the target application
type VersionReader struct {
	marker  MarkerSource
	exePath func() string
	log     *log.Entry
}

// NewVersionReader reads the marker first and falls back to the module version embedded in
// the executable returned by exePath
func NewVersionReader(marker MarkerSource, exePath func() string, logger *log.Entry) *VersionReader {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &VersionReader{
		marker:  marker,
		exePath: exePath,
		log:     logger.WithField("component", "installed-version"),
	}
}

// InstalledVersion returns the zero version when nothing can be determined
func (r *VersionReader) InstalledVersion() appversion.Version {
	if r.marker != nil {
		if v := r.marker.InstalledVersion(); v != "" {
			return appversion.Parse(v)
		}
	}

	if r.exePath == nil {
		return appversion.Zero
	}

	path := r.exePath()
	info, err := buildinfo.ReadFile(path)
	if err != nil {
		r.log.Debugf("no version metadata in %s: %v", path, err)
		return appversion.Zero
	}

	return appversion.Parse(strings.TrimPrefix(info.Main.Version, "v"))
}
