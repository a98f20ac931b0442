package main

import (
	"os"

	"github.com/agentcloud/agentcloud/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
