package main

import (
	"os"

	"github.com/updateagent/updateagent/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
