//go:build !windows

package process

import (
	"os/user"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

func processOwner(p *process.Process) string {
	uids, err := p.Uids()
	if err != nil || len(uids) == 0 {
		log.Debugf("get process uids: %v", err)
		return "unknown"
	}

	id := strconv.FormatUint(uint64(uids[0]), 10)
	u, err := user.LookupId(id)
	if err != nil {
		return "uid " + id
	}
	return u.Username
}
