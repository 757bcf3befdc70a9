// Package main provides the entry point for the buildfarm CLI.
package main

import (
	"context"
	"os"

	"github.com/mrz1836/buildfarm/internal/cli"
)

// Set via ldflags at release time.
//
//nolint:gochecknoglobals // build metadata
var (
	version = ""
	commit  = ""
	date    = ""
)

func main() {
	ctx := context.Background()
	err := cli.Execute(ctx, cli.BuildInfo{Version: version, Commit: commit, Date: date})
	if err != nil {
		os.Exit(cli.ExitCodeForError(err))
	}
}
