package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/pipelined/internal"
	"github.com/cruciblehq/pipelined/internal/agent"
	"github.com/cruciblehq/pipelined/internal/bind"
	"github.com/cruciblehq/pipelined/internal/config"
	"github.com/cruciblehq/pipelined/internal/credential"
	"github.com/cruciblehq/pipelined/internal/paths"
	"github.com/cruciblehq/pipelined/internal/pipeline"
	"github.com/cruciblehq/pipelined/internal/publish"
	"github.com/cruciblehq/pipelined/internal/report"
	"github.com/cruciblehq/pipelined/internal/runtime"
	"github.com/cruciblehq/pipelined/internal/server"
	"github.com/cruciblehq/pipelined/internal/stage"
	"github.com/cruciblehq/pipelined/internal/storage/sqlite"
	"github.com/cruciblehq/pipelined/internal/telemetry"
	"github.com/cruciblehq/pipelined/internal/template"
	"github.com/cruciblehq/pipelined/internal/trigger"
)

// Bound on stopping the daemon after a signal.
const shutdownTimeout = 2 * time.Minute

// Running daemon components, in start order.
type daemon struct {
	store          *sqlite.Store // Nil when run history is disabled.
	runtime        *runtime.Runtime
	docker         *publish.Docker
	service        *trigger.Service
	server         *server.Server
	shutdownTracer func(context.Context) error // Nil when tracing is disabled.
}

// Assembles and starts the daemon. On failure, everything started so far is
// stopped.
func startDaemon(ctx context.Context, cfg *config.Config) (d *daemon, err error) {
	d = &daemon{}
	defer func() {
		if err != nil {
			d.stop(context.Background())
		}
	}()

	if cfg.Telemetry.Tracing {
		d.shutdownTracer, err = telemetry.InitTracer(internal.Name, internal.Version(), os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics {
		metrics = telemetry.NewMetrics()
	}

	if cfg.Storage.Enabled() {
		if d.store, err = openStore(cfg.Storage.Path); err != nil {
			return nil, err
		}
	}

	registry, err := loadRegistry(ctx, cfg, d.store, true)
	if err != nil {
		return nil, err
	}

	var seq pipeline.Sequence
	if d.store != nil {
		last, err := d.store.MaxRunID(ctx)
		if err != nil {
			return nil, err
		}
		seq.Seed(last)
	}

	creds := credential.NewFileStore(cfg.Credentials.Dir)

	d.runtime, err = runtime.New(runtime.Options{
		Address:     cfg.Containerd.Address,
		Namespace:   cfg.Containerd.Namespace,
		Snapshotter: cfg.Containerd.Snapshotter,
		Workspaces:  cfg.Containerd.Workspaces,
	})
	if err != nil {
		return nil, err
	}
	if n, err := d.runtime.Prune(ctx); err != nil {
		slog.Warn("failed to remove leftover agents", "error", err)
	} else if n > 0 {
		slog.Info("removed leftover agent containers", "count", n)
	}

	if d.docker, err = publish.NewDocker(cfg.Docker.Host); err != nil {
		return nil, err
	}
	publisher := publish.New(d.docker, cfg.Publish.Attempts, cfg.Publish.Backoff)
	publisher.OnAttempt(metrics.PushAttempt)

	reporter := report.New(report.Options{
		Attempts:  cfg.Report.Attempts,
		Backoff:   cfg.Report.Backoff,
		Timeout:   cfg.Report.Timeout,
		UserAgent: internal.UserAgent(),
		Observe:   metrics.Reported,
	})

	var svc *trigger.Service
	runner := stage.New(
		agent.NewProvisioner(d.runtime, creds, cfg.Timeouts.Provision),
		publisher,
		creds,
		stage.Options{
			StageTimeout: cfg.Timeouts.Stage,
			OutputLimit:  cfg.Output.Limit,
			Metrics:      metrics,
			Observe:      func(r pipeline.Run) { svc.Observe(r) },
		},
	)

	opts := trigger.Options{
		Bindings:  cfg.Bindings,
		Registry:  registry,
		Binder:    bind.New(&seq),
		Executor:  runner,
		Reporter:  reporter,
		ReportURL: cfg.Report.URL,
	}
	if d.store != nil {
		opts.Store = d.store
	}
	if svc, err = trigger.NewService(opts); err != nil {
		return nil, err
	}
	d.service = svc

	d.server = server.New(server.Config{
		Address:     cfg.Server.Address,
		SocketGroup: cfg.Server.SocketGroup,
		Metrics:     metrics,
	}, svc, registry)
	if err := d.server.Start(); err != nil {
		return nil, err
	}

	slog.Info("daemon started",
		"bindings", len(cfg.Bindings),
		"templates", len(registry.List()),
		"history", d.store != nil,
	)
	return d, nil
}

// Stops the components in reverse start order. Active runs are aborted and
// reported before the store closes.
func (d *daemon) stop(ctx context.Context) error {
	var errs []error

	if d.server != nil {
		errs = append(errs, d.server.Stop(ctx))
	}
	if d.service != nil {
		errs = append(errs, d.service.Shutdown(ctx))
	}
	if d.docker != nil {
		errs = append(errs, d.docker.Close())
	}
	if d.runtime != nil {
		errs = append(errs, d.runtime.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.shutdownTracer != nil {
		errs = append(errs, d.shutdownTracer(ctx))
	}
	return errors.Join(errs...)
}

// Opens the run history database, creating its directory.
func openStore(path string) (*sqlite.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), paths.PrivateDirMode); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return sqlite.New(path)
}

// Builds the template registry from the template directory and stored
// templates.
//
// Directory templates load first and stored templates follow in publish
// order, so a version published over the API stays the latest across
// restarts. A stored version that the directory already provides is skipped.
// The store, when given, persists templates published later.
func loadRegistry(ctx context.Context, cfg *config.Config, store *sqlite.Store, persist bool) (*template.Registry, error) {
	var persister template.Persister
	if store != nil && persist {
		persister = store
	}
	registry := template.NewRegistry(persister)

	tpls, err := template.LoadDir(cfg.Templates.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("template directory not found", "dir", cfg.Templates.Dir)
	case err != nil:
		return nil, err
	}

	if store != nil {
		stored, err := store.LoadTemplates(ctx)
		if err != nil {
			return nil, err
		}
		tpls = append(tpls, stored...)
	}

	for _, tpl := range tpls {
		if err := registry.Load(tpl); err != nil {
			if errors.Is(err, pipeline.ErrDuplicateVersion) {
				slog.Debug("template already loaded", "template", tpl.Ref())
				continue
			}
			return nil, err
		}
	}
	return registry, nil
}
