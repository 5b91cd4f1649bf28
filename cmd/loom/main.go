package main

import (
	"os"

	"github.com/loomdb/loom/internal/cli"
)

func main() {
	// Cobra prints the error itself unless a command silenced it after
	// rendering a formatted response.
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
