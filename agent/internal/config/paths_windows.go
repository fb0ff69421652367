package config

import (
	"os"
	"path/filepath"
)

func machineConfigPath() string {
	programData := os.Getenv("ProgramData")
	if programData == "" {
		programData = `C:\ProgramData`
	}
	return filepath.Join(programData, "UpdateAgent", FileName)
}
