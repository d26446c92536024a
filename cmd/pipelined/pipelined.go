package main

import (
	"log/slog"
	"os"

	"github.com/cruciblehq/pipelined/internal"
	"github.com/cruciblehq/pipelined/internal/cli"
)

// The entry point for the pipelined daemon.
//
// Initializes logging, displays startup information, and executes the root
// command. If any error occurs during execution, it exits with a non-zero code.
func main() {
	slog.SetDefault(cli.NewLogger(os.Stderr, false))

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("pipelined is starting",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
