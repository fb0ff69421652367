package installer

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/updateagent/updateagent/util"
)

const localConfigOverride = "config.local.json"

// candidate sub folders holding the live application, in order of preference
var liveRootDirs = []string{"app", "current"}

// LiveRoot returns the folder of installRoot that holds the main executable: "app" when
// the executable is found there, else "current", else installRoot itself
func LiveRoot(installRoot, mainExecutable string) string {
	for _, dir := range liveRootDirs {
		candidate := filepath.Join(installRoot, dir)
		if util.FileExists(filepath.Join(candidate, mainExecutable)) {
			return candidate
		}
	}
	return installRoot
}

// exclusions decides which payload files must never overwrite a live file
type exclusions struct {
	agentStem string
	patterns  []string
}

func newExclusions(agentExecutable string, extra []string) exclusions {
	base := filepath.Base(agentExecutable)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	patterns := make([]string, 0, len(extra))
	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, strings.ToLower(filepath.ToSlash(p)))
		}
	}

	return exclusions{
		agentStem: strings.ToLower(stem),
		patterns:  patterns,
	}
}

// excluded reports whether the payload file at rel (relative to the payload root) is skipped.
// The agent's own binaries and libraries and the local config override are always skipped.
func (x exclusions) excluded(rel string) bool {
	slashed := strings.ToLower(filepath.ToSlash(rel))
	base := strings.ToLower(filepath.Base(rel))

	if x.agentStem != "" && (base == x.agentStem || strings.HasPrefix(base, x.agentStem+".")) {
		return true
	}
	if base == localConfigOverride {
		return true
	}

	for _, p := range x.patterns {
		if ok, _ := path.Match(p, slashed); ok {
			return true
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}
