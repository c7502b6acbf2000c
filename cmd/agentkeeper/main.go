package main

import (
	"os"

	"github.com/lonelyclick/agentkeeper/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
