package pending

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir(), nil)
	s.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	}
	return s
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	u, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestStore_SaveLoadClear(t *testing.T) {
	s := newTestStore(t)

	u := &Update{
		Version:      "9.0.0",
		PackagePath:  "/state/staging/9.0.0/pkg.zip",
		StagedPath:   "/state/staging/9.0.0/payload",
		ReleaseNotes: "notes",
	}
	require.NoError(t, s.Save(u))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC).UnixMilli(), u.DownloadedAt)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, u, loaded)

	require.NoError(t, s.Clear())
	loaded, err = s.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	assert.NoError(t, s.Clear(), "clearing twice is fine")
}

func TestStore_LastStageWins(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(&Update{Version: "8.0.6", StagedPath: "a", ReleaseNotes: "old"}))
	require.NoError(t, s.Save(&Update{Version: "9.0.0", StagedPath: "b"}))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "9.0.0", loaded.Version)
	assert.Equal(t, "b", loaded.StagedPath)
	assert.Empty(t, loaded.ReleaseNotes)
}

func TestStore_WireFormat(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&Update{Version: "9.0.0", DownloadedAt: 42, PackagePath: "p", StagedPath: "s"}))

	raw := map[string]any{}
	_, err := util.ReadJson(s.Path(), &raw)
	require.NoError(t, err)
	assert.Equal(t, "9.0.0", raw["version"])
	assert.EqualValues(t, 42, raw["downloadedAt"])
	assert.Equal(t, "p", raw["packagePath"])
	assert.Equal(t, "s", raw["stagedPath"])
}

func TestStore_SaveRejectsEmptyVersion(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(&Update{}))
	assert.Error(t, s.Save(nil))
}

func TestStore_LoadCorrupt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	_, err := s.Load()
	assert.True(t, errors.Is(err, agenterrors.KindIO))
}

func TestStore_RecordFailure(t *testing.T) {
	s := newTestStore(t)
	u := &Update{Version: "9.0.0", StagedPath: "payload"}
	require.NoError(t, s.Save(u))

	path, err := s.RecordFailure(u, fmt.Errorf("copy failed"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "pending.failed.20260301T123000.000Z.json"), path)

	var failed FailedUpdate
	_, err = util.ReadJson(path, &failed)
	require.NoError(t, err)
	assert.Equal(t, "9.0.0", failed.Version)
	assert.Equal(t, "copy failed", failed.Error)

	failures, err := s.Failures()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, failures)

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded, "the pending record must survive a failure")
	assert.Equal(t, "9.0.0", loaded.Version)
}

func TestStore_InstalledVersion(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.InstalledVersion())

	require.NoError(t, s.SetInstalledVersion("9.0.0"))
	assert.Equal(t, "9.0.0", s.InstalledVersion())

	require.NoError(t, s.SetInstalledVersion("9.0.1"))
	assert.Equal(t, "9.0.1", s.InstalledVersion())
}
