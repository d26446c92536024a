package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cruciblehq/pipelined/internal/agent"
	"github.com/cruciblehq/pipelined/internal/credential"
	"github.com/cruciblehq/pipelined/internal/pipeline"
	"github.com/cruciblehq/pipelined/internal/publish"
	"github.com/cruciblehq/pipelined/internal/telemetry"
)

// Default upper bound on the duration of one stage.
const DefaultStageTimeout = 30 * time.Minute

// Acquires agents for runs.
type Provisioner interface {
	Acquire(ctx context.Context, id pipeline.RunID, spec pipeline.AgentSpec) (*agent.Lease, error)
}

// Builds and pushes images for publish units.
type Publisher interface {
	BuildAndPush(ctx context.Context, req publish.Request, cred credential.Credential) (publish.Result, error)
}

// Resolves credential references for publish units.
type Credentials interface {
	Resolve(ref string) (credential.Credential, error)
}

// Tuning and hooks for a [Runner].
type Options struct {
	StageTimeout time.Duration      // Per-stage bound. Non-positive selects [DefaultStageTimeout].
	OutputLimit  int                // Output bytes kept per stage. Non-positive selects [DefaultOutputLimit].
	Metrics      *telemetry.Metrics // Optional collectors.
	Observe      func(pipeline.Run) // Called with a copy of the run after every change. May be nil.
}

// Executes runs.
type Runner struct {
	prov   Provisioner
	pub    Publisher
	creds  Credentials
	opts   Options
	tracer trace.Tracer
}

// Creates a runner.
func New(prov Provisioner, pub Publisher, creds Credentials, opts Options) *Runner {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	return &Runner{
		prov:   prov,
		pub:    pub,
		creds:  creds,
		opts:   opts,
		tracer: otel.Tracer("github.com/cruciblehq/pipelined/internal/stage"),
	}
}

// Drives a Pending run to a terminal status.
//
// Run blocks until the run is terminal and owns the run until then. Cancelling
// ctx aborts the run; the cancellation cause, when set, becomes part of the
// run's reason. A run that is not Pending is left untouched.
func (r *Runner) Run(ctx context.Context, run *pipeline.Run) {
	if run.Status != pipeline.StatusPending {
		slog.Error("refusing to start run", "run", run.ID, "status", run.Status)
		return
	}

	ctx, span := r.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("run.template", run.Template),
		attribute.String("run.version", run.Version),
		attribute.String("run.repository", run.Origin.Repository),
	))
	defer span.End()

	logger := slog.With("run", run.ID, "template", run.Template+"@"+run.Version)
	logger.Info("run started", "stages", len(run.Stages))
	r.opts.Metrics.RunStarted()

	status, reason := r.provisionAndExecute(ctx, run, logger)

	r.transition(run, status, reason)
	if status != pipeline.StatusSucceeded {
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	r.opts.Metrics.RunFinished(run.Template, string(status), run.EndedAt.Sub(run.StartedAt))
	logger.Info("run finished",
		"status", status,
		"reason", reason,
		"succeeded", run.Count(pipeline.OutcomeSuccess),
		"failed", run.Count(pipeline.OutcomeFailure),
		"skipped", run.Count(pipeline.OutcomeSkipped),
	)
}

// Acquires the agent and executes the stages, returning the terminal status.
// The agent, when acquired, is released before this returns.
func (r *Runner) provisionAndExecute(ctx context.Context, run *pipeline.Run, logger *slog.Logger) (pipeline.Status, string) {
	r.transition(run, pipeline.StatusProvisioning, "")

	start := time.Now()
	lease, err := r.prov.Acquire(ctx, run.ID, run.Agent)
	r.opts.Metrics.Provisioned(err == nil, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			r.skipRemaining(run, "run aborted before start")
			return pipeline.StatusAborted, abortReason(ctx)
		}
		logger.Warn("provisioning failed", "error", err)
		r.skipRemaining(run, "agent not provisioned")
		return pipeline.StatusFailed, err.Error()
	}

	return r.execute(ctx, run, lease, logger)
}

// Executes every stage against the acquired agent.
//
// The lease is released on every path out, including a panic in stage
// execution, which fails the stage in flight and the run.
func (r *Runner) execute(ctx context.Context, run *pipeline.Run, lease *agent.Lease, logger *slog.Logger) (status pipeline.Status, reason string) {
	defer lease.Release()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("stage execution panicked", "panic", p)
			if n := len(run.Results); n < len(run.Stages) {
				r.record(run, pipeline.StageResult{
					Name:    run.Stages[n].Name,
					Outcome: pipeline.OutcomeFailure,
					Reason:  fmt.Sprintf("internal error: %v", p),
				})
			}
			r.skipRemaining(run, "run failed")
			status, reason = pipeline.StatusFailed, fmt.Sprintf("internal error: %v", p)
		}
	}()

	r.transition(run, pipeline.StatusRunning, "")

	for _, stage := range run.Stages {
		if ctx.Err() != nil {
			r.skipRemaining(run, "run aborted")
			return pipeline.StatusAborted, abortReason(ctx)
		}

		res := r.runStage(ctx, run, lease, stage)
		r.record(run, res)
		logger.Info("stage finished", "stage", stage.Name, "outcome", res.Outcome, "reason", res.Reason, "duration", res.Duration)

		if ctx.Err() != nil {
			r.skipRemaining(run, "run aborted")
			return pipeline.StatusAborted, abortReason(ctx)
		}
		if res.Outcome == pipeline.OutcomeFailure && stage.AbortOnFailure {
			r.skipRemaining(run, fmt.Sprintf("stage %q failed", stage.Name))
			return pipeline.StatusFailed, fmt.Sprintf("stage %q failed: %s", stage.Name, res.Reason)
		}
	}

	if run.AnyFailed() {
		var failed []string
		for _, res := range run.Results {
			if res.Outcome == pipeline.OutcomeFailure {
				failed = append(failed, res.Name)
			}
		}
		return pipeline.StatusFailed, "stages failed: " + strings.Join(failed, ", ")
	}
	return pipeline.StatusSucceeded, fmt.Sprintf("%d stages succeeded", len(run.Stages))
}

// Runs one stage and returns its result.
func (r *Runner) runStage(ctx context.Context, run *pipeline.Run, lease *agent.Lease, stage pipeline.BoundStage) pipeline.StageResult {
	ctx, span := r.tracer.Start(ctx, "stage "+stage.Name, trace.WithAttributes(
		attribute.String("stage.name", stage.Name),
		attribute.Int("stage.units", len(stage.Units)),
	))
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, r.opts.StageTimeout)
	defer cancel()

	out := newTailBuffer(r.opts.OutputLimit)
	res := pipeline.StageResult{Name: stage.Name}
	start := time.Now()

	err := r.runUnits(sctx, lease, stage, out, &res)

	res.Duration = time.Since(start)
	res.Output, res.Truncated = out.contents()

	switch {
	case err == nil:
		res.Outcome = pipeline.OutcomeSuccess
	case ctx.Err() != nil:
		res.Outcome, res.Reason = pipeline.OutcomeFailure, "aborted"
	case errors.Is(sctx.Err(), context.DeadlineExceeded):
		res.Outcome, res.Reason = pipeline.OutcomeFailure, fmt.Sprintf("timed out after %s", r.opts.StageTimeout)
	default:
		res.Outcome, res.Reason = pipeline.OutcomeFailure, err.Error()
	}

	if res.Outcome != pipeline.OutcomeSuccess {
		span.SetStatus(codes.Error, res.Reason)
	}
	span.SetAttributes(attribute.String("stage.outcome", string(res.Outcome)))
	return res
}

// Executes the units of a stage in order, stopping at the first failure.
func (r *Runner) runUnits(ctx context.Context, lease *agent.Lease, stage pipeline.BoundStage, out *tailBuffer, res *pipeline.StageResult) error {
	state := newUnitState()

	for i, unit := range stage.Units {
		if !unit.IsOperation() {
			state.apply(unit)
			continue
		}

		var err error
		if unit.Publish != nil {
			err = r.publish(ctx, lease, *unit.Publish, out, res)
		} else {
			err = r.exec(ctx, lease, unit, state.resolve(unit), out)
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Runs a command unit in the agent.
func (r *Runner) exec(ctx context.Context, lease *agent.Lease, unit pipeline.CommandUnit, resolved *unitState, out *tailBuffer) error {
	slog.Debug("run", "command", unit.Args, "container", unit.Container, "workdir", resolved.workdir)

	result, err := lease.Execute(ctx, agent.ExecRequest{
		Container: unit.Container,
		Args:      unit.Args,
		Env:       resolved.environ(),
		Workdir:   resolved.workdir,
		Output:    out,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited with status %d", ErrCommandFailed, unit.Args[0], result.ExitCode)
	}
	return nil
}

// Builds and pushes an image from the agent workspace.
func (r *Runner) publish(ctx context.Context, lease *agent.Lease, unit pipeline.PublishUnit, out *tailBuffer, res *pipeline.StageResult) error {
	contextDir, err := workspacePath(lease.Workspace(), unit.Context)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrBuild, err)
	}

	var cred credential.Credential
	if unit.Credential != "" {
		if r.creds == nil {
			return fmt.Errorf("%w: %s", pipeline.ErrCredentialMissing, unit.Credential)
		}
		cred, err = r.creds.Resolve(unit.Credential)
		if err != nil {
			return fmt.Errorf("%w: %w", pipeline.ErrAuth, err)
		}
	}

	result, err := r.pub.BuildAndPush(ctx, publish.Request{
		Image:      unit.Image,
		Tag:        unit.Tag,
		Dockerfile: unit.Dockerfile,
		ContextDir: contextDir,
		Output:     out,
	}, cred)
	res.Attempts += result.Attempts
	if err != nil {
		return err
	}
	res.Artifact = result.Reference
	return nil
}

// Returns the host path of rel inside the workspace. rel must be a local
// path; an empty rel selects the workspace itself.
func workspacePath(workspace, rel string) (string, error) {
	if rel == "" || rel == "." {
		return workspace, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(workspace, rel), nil
}

// Returns the reason recorded for a run aborted through ctx.
func abortReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return "aborted: " + cause.Error()
	}
	return "aborted"
}

// Applies a state transition and notifies the observer.
func (r *Runner) transition(run *pipeline.Run, to pipeline.Status, reason string) {
	if err := run.Transition(to, reason); err != nil {
		slog.Error("invalid run transition", "run", run.ID, "error", err)
		return
	}
	r.notify(run)
}

// Records a stage result and notifies the observer.
func (r *Runner) record(run *pipeline.Run, res pipeline.StageResult) {
	if err := run.Record(res); err != nil {
		slog.Error("invalid stage result", "run", run.ID, "error", err)
		return
	}
	r.opts.Metrics.StageFinished(run.Template, res.Name, string(res.Outcome), res.Duration)
	r.notify(run)
}

// Marks every stage without a result as skipped and notifies the observer.
func (r *Runner) skipRemaining(run *pipeline.Run, reason string) {
	n := len(run.Results)
	run.SkipRemaining(reason)
	for _, res := range run.Results[n:] {
		r.opts.Metrics.StageFinished(run.Template, res.Name, string(res.Outcome), 0)
	}
	r.notify(run)
}

func (r *Runner) notify(run *pipeline.Run) {
	if r.opts.Observe != nil {
		r.opts.Observe(run.Clone())
	}
}
