package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cruciblehq/pipelined/internal/bind"
	"github.com/cruciblehq/pipelined/internal/config"
	"github.com/cruciblehq/pipelined/internal/pipeline"
	"github.com/cruciblehq/pipelined/internal/stage"
	"github.com/cruciblehq/pipelined/internal/storage/sqlite"
	"github.com/cruciblehq/pipelined/internal/trigger"
)

// Represents the 'pipelined validate' command.
type ValidateCmd struct{}

// Executes the validate command.
//
// Loads the configuration and templates and binds every repository binding
// as a trigger would, without provisioning anything. Stored templates are
// included when the run history database exists.
func (c *ValidateCmd) Run(ctx context.Context) error {
	cfg, err := config.Load(RootCmd.Config)
	if err != nil {
		return err
	}
	return validate(ctx, cfg, os.Stdout)
}

func validate(ctx context.Context, cfg *config.Config, w io.Writer) error {
	var store *sqlite.Store
	if cfg.Storage.Enabled() {
		if _, err := os.Stat(cfg.Storage.Path); err == nil {
			if store, err = sqlite.New(cfg.Storage.Path); err != nil {
				return err
			}
			defer store.Close()
		}
	}

	registry, err := loadRegistry(ctx, cfg, store, false)
	if err != nil {
		return err
	}

	svc, err := trigger.NewService(trigger.Options{
		Bindings: cfg.Bindings,
		Registry: registry,
		Binder:   bind.New(&pipeline.Sequence{}),
		Executor: stage.New(nil, nil, nil, stage.Options{}),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, b := range svc.Bindings() {
		run, err := svc.Prepare(trigger.Event{Repository: b.Repository})
		if err != nil {
			fmt.Fprintf(w, "FAIL %s: %v\n", b.Repository, err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Repository, err))
			continue
		}
		fmt.Fprintf(w, "ok   %s -> %s@%s (%d stages)\n", b.Repository, run.Template, run.Version, len(run.Stages))
	}

	for _, s := range registry.List() {
		fmt.Fprintf(w, "template %s %v\n", s.Name, s.Versions)
	}
	return errors.Join(errs...)
}
