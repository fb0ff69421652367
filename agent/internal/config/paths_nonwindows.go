//go:build !windows

package config

func machineConfigPath() string {
	return "/etc/update-agent/config.json"
}
