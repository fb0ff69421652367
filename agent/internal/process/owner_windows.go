package process

import (
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

func processOwner(p *process.Process) string {
	processUsername, err := p.Username()
	if err != nil {
		log.Debugf("get process username error: %v", err)
		return "unknown"
	}
	return processUsername
}
