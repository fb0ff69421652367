package pending

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/util"
)

const (
	recordFileName  = "pending.json"
	markerFileName  = "installed-version.json"
	failedPrefix    = "pending.failed."
	failedTimestamp = "20060102T150405.000Z"
)

// Update is the single staged but not yet applied release
type Update struct {
	Version string `json:"version"`
	// DownloadedAt is the staging time in Unix milliseconds (UTC)
	DownloadedAt int64  `json:"downloadedAt"`
	PackagePath  string `json:"packagePath"`
	StagedPath   string `json:"stagedPath"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
}

// FailedUpdate is the diagnostic snapshot written when an apply attempt fails
type FailedUpdate struct {
	Update
	Error    string `json:"error,omitempty"`
	FailedAt int64  `json:"failedAt"`
}

type installedMarker struct {
	Version     string `json:"version"`
	InstalledAt int64  `json:"installedAt"`
}

// Store owns the pending record, its failure side-files and the installed-version marker.
// Writing a record always replaces the previous one.
type Store struct {
	dir string
	now func() time.Time
	log *log.Entry

	mu sync.Mutex
}

func NewStore(stateDir string, logger *log.Entry) *Store {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Store{
		dir: stateDir,
		now: time.Now,
		log: logger.WithField("component", "pending"),
	}
}

// Dir returns the state directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the location of the pending record
func (s *Store) Path() string {
	return filepath.Join(s.dir, recordFileName)
}

// Load returns the pending record or nil when nothing is staged
func (s *Store) Load() (*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !util.FileExists(s.Path()) {
		return nil, nil
	}

	var u Update
	if _, err := util.ReadJson(s.Path(), &u); err != nil {
		return nil, agenterrors.New(agenterrors.KindIO, "load pending", err)
	}
	if strings.TrimSpace(u.Version) == "" {
		return nil, agenterrors.Newf(agenterrors.KindIO, "load pending", "record %s has no version", s.Path())
	}
	return &u, nil
}

// Save writes u, superseding any previous record. A zero DownloadedAt is set to now.
func (s *Store) Save(u *Update) error {
	if u == nil || strings.TrimSpace(u.Version) == "" {
		return agenterrors.Newf(agenterrors.KindIO, "save pending", "refusing to save an update without version")
	}
	if u.DownloadedAt == 0 {
		u.DownloadedAt = s.now().UTC().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := util.WriteJson(context.Background(), s.Path(), u); err != nil {
		return agenterrors.New(agenterrors.KindIO, "save pending", err)
	}
	return nil
}

// Clear removes the pending record; a missing record is not an error
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := util.RemoveJson(s.Path()); err != nil {
		return agenterrors.New(agenterrors.KindIO, "clear pending", err)
	}
	return nil
}

// RecordFailure writes a timestamped snapshot of u next to the record and returns its path.
// The pending record itself is left in place for the next attempt.
func (s *Store) RecordFailure(u *Update, cause error) (string, error) {
	if u == nil {
		return "", nil
	}

	now := s.now().UTC()
	failed := FailedUpdate{
		Update:   *u,
		FailedAt: now.UnixMilli(),
	}
	if cause != nil {
		failed.Error = cause.Error()
	}

	path := filepath.Join(s.dir, failedPrefix+now.Format(failedTimestamp)+".json")
	if err := util.WriteJson(context.Background(), path, failed); err != nil {
		return "", agenterrors.New(agenterrors.KindIO, "record failure", err)
	}

	s.log.Infof("recorded failed apply of %s in %s", u.Version, path)
	return path, nil
}

// Failures lists the failure side-files, oldest first
func (s *Store) Failures() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, failedPrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("list failure records: %w", err)
	}
	return matches, nil
}

// InstalledVersion returns the version written by the last successful apply, or "" if none
func (s *Store) InstalledVersion() string {
	var m installedMarker
	if _, err := util.ReadJson(filepath.Join(s.dir, markerFileName), &m); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warnf("failed to read installed version marker: %v", err)
		}
		return ""
	}
	return strings.TrimSpace(m.Version)
}

// SetInstalledVersion persists the installed-version marker
func (s *Store) SetInstalledVersion(version string) error {
	m := installedMarker{
		Version:     version,
		InstalledAt: s.now().UTC().UnixMilli(),
	}
	if err := util.WriteJson(context.Background(), filepath.Join(s.dir, markerFileName), m); err != nil {
		return agenterrors.New(agenterrors.KindIO, "set installed version", err)
	}
	return nil
}
