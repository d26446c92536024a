package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	isattypkg "github.com/mattn/go-isatty"

	"github.com/cruciblehq/pipelined/internal"
)

// Represents the root command for the pipelined daemon.
var RootCmd struct {
	Quiet    bool        `short:"q" help:"Suppress informational output."`
	Verbose  bool        `short:"v" help:"Enable verbose output."`
	Debug    bool        `short:"d" help:"Enable debug output."`
	Config   string      `short:"c" help:"Configuration file. Defaults to the XDG config location." placeholder:"PATH" type:"path"`
	Start    StartCmd    `cmd:"" help:"Start the daemon."`
	Validate ValidateCmd `cmd:"" help:"Check the configuration, templates and bindings without starting."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("The pipeline daemon.\n\nRuns templated build and release pipelines on ephemeral containerd agents."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
//
// Flags only ever enable modes; build-time defaults stay in effect otherwise.
// Output is text on a terminal and JSON elsewhere.
func configureLogger() {
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}
	internal.SyncLevel()

	slog.SetDefault(NewLogger(os.Stderr, isatty(os.Stderr)))
}

// Creates a logger writing to f at the shared level. Verbose mode adds source
// locations.
func NewLogger(f *os.File, pretty bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     internal.LogLevel(),
		AddSource: internal.IsVerbose(),
	}

	var handler slog.Handler
	if pretty {
		handler = slog.NewTextHandler(f, opts)
	} else {
		handler = slog.NewJSONHandler(f, opts)
	}
	return slog.New(handler).With("app", internal.Name)
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	return isattypkg.IsTerminal(f.Fd()) || isattypkg.IsCygwinTerminal(f.Fd())
}
