// Command ic50bert trains IC50 regressors on ligand/protein sequence pairs.
package main

import (
	"context"
	"os"

	"github.com/turtacn/ic50bert/internal/interfaces/cli"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func init() {
	cli.Version = version
	cli.GitCommit = commit
	cli.BuildDate = buildDate
}

func main() {
	// Execute has already printed the error.
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
