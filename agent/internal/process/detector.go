package process

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

// linux truncates the process name (comm) to 15 bytes
const maxCommLen = 15

// Detector answers whether the target application is running, by executable base name
type Detector struct {
	log *log.Entry
}

func NewDetector(logger *log.Entry) *Detector {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Detector{log: logger.WithField("component", "process")}
}

// IsRunning matches executableName, minus its extension and case-insensitively, against
// the names of all running processes
func (d *Detector) IsRunning(ctx context.Context, executableName string) (bool, error) {
	target := ProcessName(executableName)
	if target == "" {
		return false, fmt.Errorf("empty executable name")
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}

	for _, p := range procs {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if !d.matches(ctx, p, target) {
			continue
		}

		d.log.Debugf("found running process %s (pid %d, owner %s)", target, p.Pid, processOwner(p))
		return true, nil
	}
	return false, nil
}

func (d *Detector) matches(ctx context.Context, p *process.Process, target string) bool {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		// processes may exit while we iterate
		return false
	}

	name = ProcessName(name)
	if strings.EqualFold(name, target) {
		return true
	}

	if len(name) < maxCommLen || !strings.HasPrefix(strings.ToLower(target), strings.ToLower(name)) {
		return false
	}

	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		return false
	}
	return strings.EqualFold(ProcessName(exe), target)
}

// ProcessName strips directories and the extension from an executable file name
func ProcessName(executableName string) string {
	base := filepath.Base(strings.TrimSpace(executableName))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
