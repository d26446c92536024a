package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/pipelined/internal/config"
)

// Represents the 'pipelined start' command.
type StartCmd struct{}

// Executes the start command.
//
// Starts the daemon and blocks until the context is cancelled (e.g. via
// SIGINT or SIGTERM). Active runs are then aborted and reported before the
// command returns.
func (c *StartCmd) Run(ctx context.Context) error {
	cfg, err := config.Load(RootCmd.Config)
	if err != nil {
		return err
	}

	d, err := startDaemon(ctx, cfg)
	if err != nil {
		return err
	}

	slog.Info("pipelined is running")

	<-ctx.Done()

	slog.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return d.stop(sctx)
}
