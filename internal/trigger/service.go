package trigger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cruciblehq/pipelined/internal/bind"
	"github.com/cruciblehq/pipelined/internal/pipeline"
	"github.com/cruciblehq/pipelined/internal/report"
	"github.com/cruciblehq/pipelined/internal/storage/sqlite"
)

// Bound on persisting a terminal run.
const saveTimeout = 10 * time.Second

// Resolves templates by name and version.
type Resolver interface {
	Resolve(name, version string) (pipeline.Template, error)
}

// Drives a Pending run to a terminal status, blocking until it gets there.
type Executor interface {
	Run(ctx context.Context, run *pipeline.Run)
}

// Durable run history.
type Store interface {
	SaveRun(ctx context.Context, run pipeline.Run) error
	GetRun(ctx context.Context, id pipeline.RunID) (pipeline.Run, error)
	ListRuns(ctx context.Context, f sqlite.RunFilter) ([]pipeline.Run, error)
}

// Delivers terminal notifications.
type Reporter interface {
	Report(ctx context.Context, url string, n report.Notification) error
}

// Dependencies and settings for a [Service].
type Options struct {
	Bindings  []Binding    // Repository binding table.
	Registry  Resolver     // Template source.
	Binder    *bind.Binder // Run factory.
	Executor  Executor     // Stage runner.
	Store     Store        // Optional run history.
	Reporter  Reporter     // Optional status reporter.
	ReportURL string       // Status URL for bindings that do not set one.
}

// Tracks one run started by the service.
type handle struct {
	mu     sync.Mutex
	run    pipeline.Run // Latest snapshot.
	cancel context.CancelCauseFunc
	done   chan struct{} // Closed after the run is stored and reported.
}

func (h *handle) snapshot() pipeline.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.Clone()
}

func (h *handle) update(run pipeline.Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.run = run
}

// Starts runs for trigger events and reports them when they end.
type Service struct {
	bindings map[string]Binding
	opts     Options

	base context.Context // Parent of every run context.
	stop context.CancelCauseFunc

	mu     sync.Mutex
	runs   map[pipeline.RunID]*handle
	closed bool
	wg     sync.WaitGroup
}

// Creates a service. Fails with [pipeline.ErrConfig] when the binding table
// is invalid.
func NewService(opts Options) (*Service, error) {
	if opts.Registry == nil || opts.Binder == nil || opts.Executor == nil {
		return nil, fmt.Errorf("%w: registry, binder and executor are required", pipeline.ErrConfig)
	}

	bindings, err := indexBindings(opts.Bindings)
	if err != nil {
		return nil, err
	}

	base, stop := context.WithCancelCause(context.Background())

	return &Service{
		bindings: bindings,
		opts:     opts,
		base:     base,
		stop:     stop,
		runs:     make(map[pipeline.RunID]*handle),
	}, nil
}

// Returns the bindings, sorted by repository.
func (s *Service) Bindings() []Binding {
	out := make([]Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Binding) int {
		return cmp.Compare(a.Repository, b.Repository)
	})
	return out
}

// Prepares the Pending run an event would start, without starting it.
//
// Fails with [pipeline.ErrUnknownRepository] when no binding matches, with a
// registry error when the template cannot be resolved, and with a
// [pipeline.ConfigError] or [pipeline.TemplateError] when binding fails.
func (s *Service) Prepare(ev Event) (*pipeline.Run, error) {
	b, ok := s.bindings[ev.Repository]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUnknownRepository, ev.Repository)
	}

	tpl, err := s.opts.Registry.Resolve(b.Template, b.Version)
	if err != nil {
		return nil, err
	}

	cfg, err := bind.ParseConfiguration(b.Config)
	if err != nil {
		return nil, err
	}

	return s.opts.Binder.Bind(tpl, cfg, ev.Origin())
}

// Starts a run for the event and returns its id without waiting for it.
//
// Every error is returned before an agent is provisioned; see [Service.Prepare].
// After Shutdown the service refuses events with [ErrShuttingDown].
func (s *Service) OnTrigger(ctx context.Context, ev Event) (pipeline.RunID, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrShuttingDown
	}

	run, err := s.Prepare(ev)
	if err != nil {
		slog.Warn("trigger rejected", "repository", ev.Repository, "ref", ev.Ref, "error", err)
		return 0, err
	}

	rctx, cancel := context.WithCancelCause(s.base)
	h := &handle{run: run.Clone(), cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(ErrShuttingDown)
		return 0, ErrShuttingDown
	}
	s.runs[run.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	slog.Info("run triggered",
		"run", run.ID,
		"repository", ev.Repository,
		"ref", ev.Ref,
		"commit", ev.Commit,
		"template", run.Template+"@"+run.Version,
	)

	go s.execute(rctx, run, h)
	return run.ID, nil
}

// Runs one run to completion, then stores and reports it.
func (s *Service) execute(ctx context.Context, run *pipeline.Run, h *handle) {
	defer s.wg.Done()
	defer h.cancel(nil)

	s.opts.Executor.Run(ctx, run)

	final := run.Clone()
	if !final.Status.Terminal() {
		slog.Error("run returned without a terminal status", "run", final.ID, "status", final.Status)
		final.Status = pipeline.StatusFailed
		final.Reason = "run ended without a terminal status"
		final.EndedAt = time.Now()
	}
	h.update(final)

	s.onRunTerminal(final)

	if s.opts.Store != nil {
		s.mu.Lock()
		delete(s.runs, final.ID)
		s.mu.Unlock()
	}
	close(h.done)
}

// Stores and reports a terminal run. Called exactly once per run.
func (s *Service) onRunTerminal(run pipeline.Run) {
	logger := slog.With("run", run.ID, "status", run.Status)

	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := s.opts.Store.SaveRun(ctx, run); err != nil {
			logger.Error("failed to store run", "error", err)
		}
		cancel()
	}

	url := s.statusURL(run.Origin.Repository)
	if s.opts.Reporter == nil || url == "" {
		logger.Debug("no status sink for run")
		return
	}

	if err := s.opts.Reporter.Report(context.Background(), url, report.FromRun(run)); err != nil {
		logger.Error("failed to report run status", "url", url, "error", err)
		return
	}
	logger.Debug("run status reported", "url", url)
}

func (s *Service) statusURL(repository string) string {
	if b, ok := s.bindings[repository]; ok && b.StatusURL != "" {
		return b.StatusURL
	}
	return s.opts.ReportURL
}

// Records a snapshot of an active run. Wired as the stage runner's observer.
func (s *Service) Observe(run pipeline.Run) {
	s.mu.Lock()
	h, ok := s.runs[run.ID]
	s.mu.Unlock()
	if ok {
		h.update(run)
	}
}

// Aborts an active run.
//
// Fails with [pipeline.ErrRunNotFound] for an unknown id and with
// [pipeline.ErrInvalidTransition] when the run is already terminal.
func (s *Service) Cancel(id pipeline.RunID) error {
	s.mu.Lock()
	h, ok := s.runs[id]
	s.mu.Unlock()

	if !ok {
		if s.opts.Store != nil {
			if _, err := s.opts.Store.GetRun(context.Background(), id); err == nil {
				return fmt.Errorf("%w: run %s has already ended", pipeline.ErrInvalidTransition, id)
			}
		}
		return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}

	if run := h.snapshot(); run.Status.Terminal() {
		return fmt.Errorf("%w: run %s has already ended", pipeline.ErrInvalidTransition, id)
	}

	slog.Info("run cancellation requested", "run", id)
	h.cancel(ErrCancelled)
	return nil
}

// Returns the current state of a run.
func (s *Service) Get(ctx context.Context, id pipeline.RunID) (pipeline.Run, error) {
	s.mu.Lock()
	h, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		return h.snapshot(), nil
	}

	if s.opts.Store != nil {
		return s.opts.Store.GetRun(ctx, id)
	}
	return pipeline.Run{}, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
}

// Returns active and stored runs matching the filter, newest first.
func (s *Service) List(ctx context.Context, f sqlite.RunFilter) ([]pipeline.Run, error) {
	var runs []pipeline.Run
	seen := make(map[pipeline.RunID]bool)

	s.mu.Lock()
	handles := make([]*handle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		run := h.snapshot()
		if matches(run, f) {
			runs = append(runs, run)
			seen[run.ID] = true
		}
	}

	if s.opts.Store != nil {
		stored, err := s.opts.Store.ListRuns(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, run := range stored {
			if !seen[run.ID] {
				runs = append(runs, run)
			}
		}
	}

	slices.SortFunc(runs, func(a, b pipeline.Run) int {
		return cmp.Compare(b.ID, a.ID)
	})
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

func matches(run pipeline.Run, f sqlite.RunFilter) bool {
	if f.Repository != "" && run.Origin.Repository != f.Repository {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// Blocks until the run has ended and been reported, then returns it.
func (s *Service) Wait(ctx context.Context, id pipeline.RunID) (pipeline.Run, error) {
	s.mu.Lock()
	h, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return s.Get(ctx, id)
	}

	select {
	case <-h.done:
		return h.snapshot(), nil
	case <-ctx.Done():
		return pipeline.Run{}, ctx.Err()
	}
}

// Stops accepting events, aborts active runs and waits for them to be stored
// and reported. Returns ctx's error if it ends first.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	active := len(s.runs)
	s.mu.Unlock()

	if active > 0 {
		slog.Info("aborting active runs", "count", active)
	}
	s.stop(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrShuttingDown, ctx.Err())
	}
}
