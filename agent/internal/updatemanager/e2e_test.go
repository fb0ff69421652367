package updatemanager

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/config"
	"github.com/updateagent/updateagent/agent/internal/metrics"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/manifest"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/pending"
)

type switchableRunning struct {
	running atomic.Bool
}

func (s *switchableRunning) IsRunning(context.Context, string) (bool, error) {
	return s.running.Load(), nil
}

type releaseServer struct {
	srv          *httptest.Server
	manifestHits atomic.Int32
	packageHits  atomic.Int32
}

func newReleaseServer(t *testing.T, version string, files map[string]string) *releaseServer {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	pkg := buf.Bytes()
	sum := sha256.Sum256(pkg)

	rs := &releaseServer{}
	rs.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stable/releases.json":
			rs.manifestHits.Add(1)
			_ = json.NewEncoder(w).Encode([]manifest.Release{{
				Version:     version,
				DownloadURL: "app-" + version + ".zip",
				SHA256:      hex.EncodeToString(sum[:]),
			}})
		case "/stable/app-" + version + ".zip":
			rs.packageHits.Add(1)
			_, _ = w.Write(pkg)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func newTestConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.UpdateEndpoint = endpoint
	cfg.InstallRoot = filepath.Join(root, "install")
	cfg.StateDir = filepath.Join(root, "state")
	cfg.SettleDelaySeconds = 0
	cfg.DownloadRetryDelaySeconds = 0
	cfg.Normalize(root)

	require.NoError(t, os.MkdirAll(cfg.InstallRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.InstallRoot, cfg.MainExecutableName), []byte("app 8.5.2"), 0o755))
	require.NoError(t, pending.NewStore(cfg.StateDir, nil).SetInstalledVersion("8.5.2"))
	return cfg
}

func TestEndToEnd_StageThenApply(t *testing.T) {
	rs := newReleaseServer(t, "9.0.0", map[string]string{"App.exe": "app 9.0.0", "lib/core.dll": "core 9"})
	cfg := newTestConfig(t, rs.srv.URL)
	running := &switchableRunning{}
	reg := prometheus.NewRegistry()

	m, err := newFromConfig(cfg, rs.srv.Client(), running, metrics.New(reg), nil)
	require.NoError(t, err)

	require.NoError(t, m.RunOnce(context.Background(), true))

	store := pending.NewStore(cfg.StateDir, nil)
	rec, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, rec, "pending record is cleared after apply")
	assert.Equal(t, "9.0.0", store.InstalledVersion())

	data, err := os.ReadFile(filepath.Join(cfg.InstallRoot, "App.exe"))
	require.NoError(t, err)
	assert.Equal(t, "app 9.0.0", string(data))
	assert.FileExists(t, filepath.Join(cfg.InstallRoot, "lib", "core.dll"))

	// already installed now, nothing to download
	require.NoError(t, m.RunOnce(context.Background(), true))
	assert.Equal(t, int32(1), rs.packageHits.Load())
}

func TestEndToEnd_DeferWhileRunning(t *testing.T) {
	rs := newReleaseServer(t, "9.0.0", map[string]string{"App.exe": "app 9.0.0"})
	cfg := newTestConfig(t, rs.srv.URL)
	running := &switchableRunning{}
	running.running.Store(true)

	m, err := newFromConfig(cfg, rs.srv.Client(), running, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.RunOnce(context.Background(), true))

	store := pending.NewStore(cfg.StateDir, nil)
	rec, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "9.0.0", rec.Version)

	data, err := os.ReadFile(filepath.Join(cfg.InstallRoot, "App.exe"))
	require.NoError(t, err)
	assert.Equal(t, "app 8.5.2", string(data))

	running.running.Store(false)
	require.NoError(t, m.RunOnce(context.Background(), false))
	assert.Equal(t, "9.0.0", store.InstalledVersion())
	assert.Equal(t, int32(1), rs.packageHits.Load())
}

func TestEndToEnd_EqualVersion(t *testing.T) {
	rs := newReleaseServer(t, "8.5.2", map[string]string{"App.exe": "app 8.5.2"})
	cfg := newTestConfig(t, rs.srv.URL)

	m, err := newFromConfig(cfg, rs.srv.Client(), &switchableRunning{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.RunOnce(context.Background(), true))
	assert.Equal(t, int32(1), rs.manifestHits.Load())
	assert.Zero(t, rs.packageHits.Load())

	rec, err := pending.NewStore(cfg.StateDir, nil).Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEndToEnd_PlainHTTPEndpoint(t *testing.T) {
	rs := newReleaseServer(t, "9.0.0", map[string]string{"App.exe": "app 9.0.0"})
	cfg := newTestConfig(t, "http://updates.example.com")

	m, err := newFromConfig(cfg, rs.srv.Client(), &switchableRunning{}, nil, nil)
	require.NoError(t, err)

	err = m.RunOnce(context.Background(), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.KindPolicy))
	assert.True(t, agenterrors.IsFailure(err))
	assert.Zero(t, rs.manifestHits.Load())
	assert.Zero(t, rs.packageHits.Load())
}
