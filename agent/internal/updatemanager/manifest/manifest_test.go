package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/downloader"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *Release
		wantErr bool
	}{
		{
			name: "array takes first element",
			body: `[{"version":"8.0.6","releaseNotes":"fixes","downloadUrl":"https://cdn.example.com/pkg.zip","sha256":"ab","signature":"c2ln"},{"version":"8.0.5"}]`,
			want: &Release{Version: "8.0.6", ReleaseNotes: "fixes", DownloadURL: "https://cdn.example.com/pkg.zip", SHA256: "ab", Signature: "c2ln"},
		},
		{
			name: "single object",
			body: `{"version":"9.0.0","downloadUrl":"pkg.zip","sha256":"cd"}`,
			want: &Release{Version: "9.0.0", DownloadURL: "pkg.zip", SHA256: "cd"},
		},
		{name: "empty array", body: `[]`, wantErr: true},
		{name: "not json", body: `<html>`, wantErr: true},
		{name: "object without version", body: `{"downloadUrl":"pkg.zip"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeChannel(t *testing.T) {
	assert.Equal(t, "stable", NormalizeChannel("stable"))
	assert.Equal(t, "beta", NormalizeChannel("BETA"))
	assert.Equal(t, "beta", NormalizeChannel(" Beta "))
	assert.Equal(t, "stable", NormalizeChannel(""))
	assert.Equal(t, "stable", NormalizeChannel("nightly"))
	assert.Equal(t, "stable", NormalizeChannel("../../etc"))
}

func TestURL(t *testing.T) {
	u, err := URL("https://updates.example.com/", "Beta")
	require.NoError(t, err)
	assert.Equal(t, "https://updates.example.com/beta/releases.json", u)

	_, err = URL("http://updates.example.com", "stable")
	assert.True(t, errors.Is(err, agenterrors.KindPolicy))
}

func TestRequireHTTPS(t *testing.T) {
	assert.NoError(t, RequireHTTPS("https://updates.example.com"))
	assert.NoError(t, RequireHTTPS("HTTPS://updates.example.com/base"))
	for _, bad := range []string{"http://updates.example.com", "ftp://x", "updates.example.com", "", "https://", "https:///path"} {
		assert.Error(t, RequireHTTPS(bad), bad)
	}
}

func TestResolveDownloadURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		url      string
		want     string
		wantErr  bool
	}{
		{name: "absolute", endpoint: "https://updates.example.com", url: "https://cdn.example.com/app/9.0.0.zip", want: "https://cdn.example.com/app/9.0.0.zip"},
		{name: "root relative", endpoint: "https://updates.example.com/app/", url: "/files/9.0.0.zip", want: "https://updates.example.com/app/files/9.0.0.zip"},
		{name: "relative", endpoint: "https://updates.example.com", url: "9.0.0.zip", want: "https://updates.example.com/beta/9.0.0.zip"},
		{name: "absolute http refused", endpoint: "https://updates.example.com", url: "http://cdn.example.com/9.0.0.zip", wantErr: true},
		{name: "missing", endpoint: "https://updates.example.com", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveDownloadURL(tt.endpoint, "beta", tt.url)
			if tt.wantErr {
				assert.True(t, errors.Is(err, agenterrors.KindPolicy))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stable/releases.json":
			_, _ = w.Write([]byte(`[{"version":"8.0.6","sha256":"aa"}]`))
		case "/beta/releases.json":
			_, _ = w.Write([]byte(`{"version":"9.0.0-beta.1","sha256":"bb"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(downloader.New(srv.Client(), 0, nil), nil)

	stable := f.Fetch(context.Background(), srv.URL, "unknown-channel")
	require.NotNil(t, stable)
	assert.Equal(t, "8.0.6", stable.Version)

	beta := f.Fetch(context.Background(), srv.URL, "beta")
	require.NotNil(t, beta)
	assert.Equal(t, "9.0.0-beta.1", beta.Version)
}

func TestFetcher_FailuresReturnNil(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/stable/releases.json" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(downloader.New(srv.Client(), 0, nil), nil)

	assert.Nil(t, f.Fetch(context.Background(), srv.URL, "stable"))
	assert.Nil(t, f.Fetch(context.Background(), srv.URL, "beta"))
	assert.Nil(t, f.Fetch(context.Background(), "http://"+srv.Listener.Addr().String(), "stable"))
	assert.Equal(t, int32(2), hits.Load(), "plain HTTP endpoint must be refused before any request")

	_, err := f.Lookup(context.Background(), srv.URL, "beta")
	assert.True(t, errors.Is(err, agenterrors.KindNetwork))
}
