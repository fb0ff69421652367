package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
)

const opExtract = "extract"

// extractZip unpacks src into dest. Entries resolving outside dest are rejected and
// symlinks are skipped. Cancellation is checked between entries.
func extractZip(ctx context.Context, src, dest string, logger *log.Entry) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return agenterrors.New(agenterrors.KindIO, opExtract, fmt.Errorf("open archive: %w", err))
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			logger.Debugf("error closing archive %s: %v", src, cerr)
		}
	}()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return agenterrors.New(agenterrors.KindIO, opExtract, err)
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return agenterrors.New(agenterrors.KindCancelled, opExtract, err)
		}

		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			logger.Warnf("skipping symlink %s in archive", f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return agenterrors.New(agenterrors.KindIO, opExtract, err)
			}
		default:
			if err := extractFile(f, target); err != nil {
				return err
			}
		}
	}

	logger.Debugf("extracted %d entries from %s", len(r.File), filepath.Base(src))
	return nil
}

func entryPath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", agenterrors.Newf(agenterrors.KindVerification, opExtract, "archive entry %q escapes the payload directory", name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return agenterrors.New(agenterrors.KindIO, opExtract, err)
	}

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}

	rc, err := f.Open()
	if err != nil {
		return agenterrors.New(agenterrors.KindIO, opExtract, fmt.Errorf("open entry %s: %w", f.Name, err))
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return agenterrors.New(agenterrors.KindIO, opExtract, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return agenterrors.New(agenterrors.KindIO, opExtract, fmt.Errorf("write %s: %w", target, err))
	}
	if err := out.Close(); err != nil {
		return agenterrors.New(agenterrors.KindIO, opExtract, err)
	}
	return nil
}
