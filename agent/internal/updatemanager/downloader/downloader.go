package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/version"
)

const (
	userAgent = "update-agent/%s"
	// PartialSuffix marks a download that has not completed yet
	PartialSuffix = ".partial"

	DefaultRetryDelay = 3 * time.Second
)

// Downloader performs HTTP GETs with an injected client
type Downloader struct {
	client     *http.Client
	retryDelay time.Duration
	log        *log.Entry
}

// New returns a Downloader. A zero retryDelay disables the single retry of a failed file download.
func New(client *http.Client, retryDelay time.Duration, logger *log.Entry) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Downloader{
		client:     client,
		retryDelay: retryDelay,
		log:        logger.WithField("component", "downloader"),
	}
}

// DownloadToFile streams url into dstFile + ".partial" and renames it to dstFile only after
// the whole body has been written, so an interrupted transfer never leaves a file at dstFile.
// The partial file is removed on any failure. It returns the number of bytes written.
func (d *Downloader) DownloadToFile(ctx context.Context, url, dstFile string) (int64, error) {
	d.log.Debugf("starting download from %s", url)
	partial := dstFile + PartialSuffix

	var written int64
	attempt := func() error {
		n, err := d.downloadToFileOnce(ctx, url, partial)
		written = n
		return err
	}

	retries := uint64(1)
	if d.retryDelay == 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), retries), ctx)

	err := backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		d.log.Warnf("download failed, retrying after %v: %v", wait, err)
	})
	if err != nil {
		d.removePartial(partial)
		return 0, asKindError(err)
	}

	if err := ctx.Err(); err != nil {
		d.removePartial(partial)
		return 0, agenterrors.New(agenterrors.KindCancelled, "download", err)
	}

	if err := os.Rename(partial, dstFile); err != nil {
		d.removePartial(partial)
		return 0, agenterrors.New(agenterrors.KindIO, "download", fmt.Errorf("move %s to %s: %w", partial, dstFile, err))
	}

	d.log.Infof("successfully downloaded %d bytes to %s", written, dstFile)
	return written, nil
}

// DownloadToMemory reads at most limit bytes of the response body
func (d *Downloader) DownloadToMemory(ctx context.Context, url string, limit int64) ([]byte, error) {
	resp, err := d.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.log.Warnf("error closing response body: %v", cerr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, agenterrors.FromContext(agenterrors.KindNetwork, "download", fmt.Errorf("failed to read response body: %w", err))
	}
	if int64(len(data)) > limit {
		return nil, agenterrors.Newf(agenterrors.KindNetwork, "download", "response body exceeds %d bytes", limit)
	}

	return data, nil
}

func (d *Downloader) downloadToFileOnce(ctx context.Context, url string, dstFile string) (int64, error) {
	out, err := os.Create(dstFile)
	if err != nil {
		return 0, backoff.Permanent(agenterrors.New(agenterrors.KindIO, "download", fmt.Errorf("failed to create destination file %q: %w", dstFile, err)))
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			d.log.Warnf("error closing file %q: %v", dstFile, cerr)
		}
	}()

	resp, err := d.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.log.Warnf("error closing response body: %v", cerr)
		}
	}()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return n, agenterrors.FromContext(agenterrors.KindNetwork, "download", fmt.Errorf("failed to write response body to file: %w", err))
	}

	if err := out.Sync(); err != nil {
		return n, agenterrors.New(agenterrors.KindIO, "download", fmt.Errorf("failed to flush %q: %w", dstFile, err))
	}

	return n, out.Close()
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(agenterrors.New(agenterrors.KindPolicy, "download", fmt.Errorf("failed to create HTTP request: %w", err)))
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.AgentVersion()))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, agenterrors.FromContext(agenterrors.KindNetwork, "download", fmt.Errorf("failed to perform HTTP request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, agenterrors.Newf(agenterrors.KindNetwork, "download", "unexpected HTTP status: %d", resp.StatusCode)
	}

	return resp, nil
}

func (d *Downloader) removePartial(partial string) {
	if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
		d.log.Warnf("failed to remove partial download %s: %v", partial, err)
	}
}

// asKindError unwraps backoff's permanent wrapper and makes sure the result carries a Kind
func asKindError(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var kerr *agenterrors.Error
	if errors.As(err, &kerr) {
		return err
	}
	return agenterrors.FromContext(agenterrors.KindNetwork, "download", err)
}
