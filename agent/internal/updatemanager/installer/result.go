package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/updateagent/updateagent/util"
)

const (
	resultFile = "result.json"
)

// Result is the outcome of the last apply attempt
type Result struct {
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Version    string    `json:"version"`
	AttemptID  string    `json:"attemptId"`
	ExecutedAt time.Time `json:"executedAt"`
}

// ResultHandler handles reading and writing apply results
type ResultHandler struct {
	resultFile string
}

// NewResultHandler uses "result.json" in the given state directory
func NewResultHandler(stateDir string) *ResultHandler {
	return &ResultHandler{
		resultFile: filepath.Join(stateDir, resultFile),
	}
}

// Path returns the location of the result file
func (rh *ResultHandler) Path() string {
	return rh.resultFile
}

// Watch blocks until a result with an attempt ID other than previousAttemptID is present
func (rh *ResultHandler) Watch(ctx context.Context, previousAttemptID string) (Result, error) {
	log.Infof("start watching result: %s", rh.resultFile)

	dir := filepath.Dir(rh.resultFile)

	// the state directory is created by the first stage or apply cycle
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

DirectoryReady:
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			break DirectoryReady
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error(err)
		return Result{}, err
	}

	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// watch the directory, the file is replaced by rename on every write
	if err := watcher.Add(dir); err != nil {
		return Result{}, fmt.Errorf("failed to watch directory: %v", err)
	}

	if result, ok := rh.newResult(previousAttemptID); ok {
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}

			if filepath.Clean(event.Name) != filepath.Clean(rh.resultFile) {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			if result, ok := rh.newResult(previousAttemptID); ok {
				return result, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			return Result{}, fmt.Errorf("watcher error: %w", err)
		}
	}
}

func (rh *ResultHandler) newResult(previousAttemptID string) (Result, bool) {
	result, err := rh.Read()
	if err != nil {
		log.Debugf("no readable result yet: %v", err)
		return Result{}, false
	}
	if result.AttemptID == previousAttemptID {
		return Result{}, false
	}
	log.Infof("apply result: %+v", result)
	return result, true
}

// Write replaces the result file atomically
func (rh *ResultHandler) Write(result Result) error {
	log.Debugf("write out apply result to: %s", rh.resultFile)
	return util.WriteJson(context.Background(), rh.resultFile, result)
}

// Read returns the last written result
func (rh *ResultHandler) Read() (Result, error) {
	var result Result
	if _, err := util.ReadJson(rh.resultFile, &result); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("invalid result format: %w", err)
	}
	return result, nil
}

// Cleanup removes the result file if it exists
func (rh *ResultHandler) Cleanup() error {
	err := os.Remove(rh.resultFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Debugf("delete apply result file: %s", rh.resultFile)
	return nil
}
