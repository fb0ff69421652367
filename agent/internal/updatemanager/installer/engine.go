package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/pending"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/staging"
	"github.com/updateagent/updateagent/util"
)

const (
	backupsDirName  = "backups"
	backupTimestamp = "20060102T150405Z"

	DefaultSettleDelay = 3 * time.Second
)

// Outcome is the result of one apply cycle
type Outcome int

const (
	OutcomeNoPending Outcome = iota
	OutcomeDeferred
	OutcomeApplied
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoPending:
		return "no_pending"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeApplied:
		return "applied"
	default:
		return "failed"
	}
}

// RunningChecker tells whether the target application is running
type RunningChecker interface {
	IsRunning(ctx context.Context, executableName string) (bool, error)
}

type Config struct {
	InstallRoot    string
	MainExecutable string
	StateDir       string
	// SettleDelay is waited after the application was found stopped and before any file is touched
	SettleDelay time.Duration
	// AgentExecutable is the file name of this agent; files sharing its stem are never replaced
	AgentExecutable string
	ExcludedFiles   []string
}

// Engine applies a staged payload over the live installation with backup and rollback
type Engine struct {
	cfg        Config
	store      *pending.Store
	running    RunningChecker
	results    *ResultHandler
	exclusions exclusions

	// copyFile is replaced in tests to inject failures
	copyFile func(src, dst string) error
	now      func() time.Time
	log      *log.Entry
}

func NewEngine(cfg Config, store *pending.Store, running RunningChecker, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if cfg.AgentExecutable == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.AgentExecutable = filepath.Base(exe)
		}
	}

	return &Engine{
		cfg:        cfg,
		store:      store,
		running:    running,
		results:    NewResultHandler(cfg.StateDir),
		exclusions: newExclusions(cfg.AgentExecutable, cfg.ExcludedFiles),
		copyFile:   util.CopyFileContents,
		now:        time.Now,
		log:        logger.WithField("component", "installer"),
	}
}

// Results gives access to the result file of the apply attempts
func (e *Engine) Results() *ResultHandler {
	return e.results
}

// TryApplyPending runs one apply cycle. The pending record is only removed after a
// successful apply; a failed attempt leaves it in place and writes a failure side-file.
func (e *Engine) TryApplyPending(ctx context.Context) (Outcome, error) {
	update, err := e.store.Load()
	if err != nil {
		e.log.Errorf("failed to load pending update: %v", err)
		return OutcomeFailed, err
	}
	if update == nil {
		e.log.Debugf("no pending update")
		return OutcomeNoPending, nil
	}

	running, err := e.running.IsRunning(ctx, e.cfg.MainExecutable)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeDeferred, agenterrors.New(agenterrors.KindCancelled, "apply", ctx.Err())
		}
		e.log.Warnf("could not determine whether %s is running, deferring apply of %s: %v", e.cfg.MainExecutable, update.Version, err)
		return OutcomeDeferred, nil
	}
	if running {
		e.log.Infof("%s is running, deferring apply of %s", e.cfg.MainExecutable, update.Version)
		return OutcomeDeferred, nil
	}

	if err := e.settle(ctx); err != nil {
		return OutcomeDeferred, err
	}

	attemptID := uuid.NewString()
	applyErr := e.apply(ctx, update, attemptID)
	e.writeResult(update, attemptID, applyErr)

	if applyErr != nil {
		e.log.Errorf("apply of %s failed: %v", update.Version, applyErr)
		if _, err := e.store.RecordFailure(update, applyErr); err != nil {
			e.log.Warnf("failed to record apply failure: %v", err)
		}
		return OutcomeFailed, applyErr
	}

	if err := e.store.Clear(); err != nil {
		e.log.Warnf("failed to clear pending record: %v", err)
	}
	e.removeStagingDir(update)

	e.log.Infof("version %s applied", update.Version)
	return OutcomeApplied, nil
}

// Apply replaces the live files with the staged payload of u and persists the installed
// version marker. On failure every backed up file is restored.
func (e *Engine) Apply(ctx context.Context, u *pending.Update) error {
	return e.apply(ctx, u, uuid.NewString())
}

func (e *Engine) apply(ctx context.Context, u *pending.Update, attemptID string) error {
	if info, err := os.Stat(u.StagedPath); err != nil || !info.IsDir() {
		return agenterrors.Newf(agenterrors.KindApply, "apply", "staged payload %s is missing", u.StagedPath)
	}

	files, err := payloadFiles(u.StagedPath)
	if err != nil {
		return agenterrors.New(agenterrors.KindApply, "apply", err)
	}

	liveRoot := LiveRoot(e.cfg.InstallRoot, e.cfg.MainExecutable)
	backupDir := filepath.Join(e.cfg.StateDir, backupsDirName, fmt.Sprintf("%s-%s-%s", u.Version, e.now().UTC().Format(backupTimestamp), attemptID))
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return agenterrors.New(agenterrors.KindIO, "apply", fmt.Errorf("create backup dir: %w", err))
	}

	e.log.Infof("applying %s to %s, backup in %s", u.Version, liveRoot, backupDir)
	if err := e.replaceFiles(ctx, u.StagedPath, liveRoot, backupDir, files); err != nil {
		if rerr := restoreBackup(backupDir, liveRoot); rerr != nil {
			e.log.Errorf("rollback incomplete: %v", rerr)
		} else {
			e.log.Infof("rolled back %s from %s", liveRoot, backupDir)
		}
		return agenterrors.FromContext(agenterrors.KindApply, "apply", err)
	}

	if err := e.store.SetInstalledVersion(u.Version); err != nil {
		e.log.Errorf("failed to persist installed version %s: %v", u.Version, err)
	}
	return nil
}

func (e *Engine) replaceFiles(ctx context.Context, payload, liveRoot, backupDir string, files []string) error {
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.exclusions.excluded(rel) {
			e.log.Debugf("skipping excluded file %s", rel)
			continue
		}

		dst := filepath.Join(liveRoot, rel)
		if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() {
			backup := filepath.Join(backupDir, rel)
			if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
				return fmt.Errorf("create backup dir for %s: %w", rel, err)
			}
			if err := e.copyFile(dst, backup); err != nil {
				return fmt.Errorf("back up %s: %w", rel, err)
			}
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := e.copyFile(filepath.Join(payload, rel), dst); err != nil {
			return fmt.Errorf("replace %s: %w", rel, err)
		}
	}
	return nil
}

// restoreBackup copies every file of backupDir back to its place under liveRoot. It keeps
// going after a failed file and reports all failures together.
func restoreBackup(backupDir, liveRoot string) error {
	if !util.DirExists(backupDir) {
		return nil
	}

	files, err := payloadFiles(backupDir)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, rel := range files {
		dst := filepath.Join(liveRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("create dir for %s: %w", rel, err))
			continue
		}
		if err := util.CopyFileContents(filepath.Join(backupDir, rel), dst); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("restore %s: %w", rel, err))
		}
	}
	return agenterrors.FormatErrorOrNil(merr)
}

// payloadFiles lists the regular files under root as relative paths, in lexical order
func payloadFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

func (e *Engine) settle(ctx context.Context) error {
	if e.cfg.SettleDelay <= 0 {
		if err := ctx.Err(); err != nil {
			return agenterrors.New(agenterrors.KindCancelled, "apply", err)
		}
		return nil
	}

	timer := time.NewTimer(e.cfg.SettleDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return agenterrors.New(agenterrors.KindCancelled, "apply", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// removeStagingDir deletes the version folder holding the applied payload. Paths outside
// the staging root are left alone.
func (e *Engine) removeStagingDir(u *pending.Update) {
	versionDir := filepath.Dir(filepath.Clean(u.StagedPath))
	if filepath.Dir(versionDir) != filepath.Clean(staging.Root(e.cfg.StateDir)) {
		e.log.Debugf("not removing %s, it is outside the staging directory", versionDir)
		return
	}
	if err := os.RemoveAll(versionDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Debugf("failed to remove staging dir %s: %v", versionDir, err)
	}
}

func (e *Engine) writeResult(u *pending.Update, attemptID string, applyErr error) {
	result := Result{
		Success:    applyErr == nil,
		Version:    u.Version,
		AttemptID:  attemptID,
		ExecutedAt: e.now().UTC(),
	}
	if applyErr != nil {
		result.Error = applyErr.Error()
	}
	if err := e.results.Write(result); err != nil {
		e.log.Warnf("failed to write apply result: %v", err)
	}
}
