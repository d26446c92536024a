package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Upper bound on how long a single teardown may take.
const releaseTimeout = time.Minute

// Outcome of a platform acquisition.
type acquired struct {
	h   Handle
	err error
}

// Acquires agents from a platform with bounded waiting.
type Provisioner struct {
	platform Platform      // Backend running the agents.
	creds    Locator       // Resolves credential mounts, may be nil when no spec mounts credentials.
	timeout  time.Duration // Maximum time to wait for an agent to become ready.
}

// Creates a provisioner. A non-positive timeout disables the bound.
func NewProvisioner(platform Platform, creds Locator, timeout time.Duration) *Provisioner {
	return &Provisioner{platform: platform, creds: creds, timeout: timeout}
}

// Acquires an agent for the run.
//
// Credential mounts are resolved first; a missing credential fails with
// [pipeline.ErrProvision] before the platform is contacted. The call then
// blocks until the platform reports the agent ready, the provisioning timeout
// elapses ([pipeline.ErrProvisionTimeout]) or ctx is done (ctx.Err()). A
// platform rejection fails with [pipeline.ErrProvision]. An agent that
// becomes ready after the caller gave up is released in the background.
func (p *Provisioner) Acquire(ctx context.Context, id pipeline.RunID, spec pipeline.AgentSpec) (*Lease, error) {
	spec = spec.Clone()
	for i, m := range spec.Mounts {
		if p.creds == nil {
			return nil, fmt.Errorf("%w: no credential store for mount %q", pipeline.ErrProvision, m.Credential)
		}
		path, err := p.creds.Path(m.Credential)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pipeline.ErrProvision, err)
		}
		spec.Mounts[i].Source = path
	}

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan acquired, 1)

	go func() {
		h, err := p.platform.Acquire(actx, id.String(), spec)
		done <- acquired{h, err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			slog.Debug("agent acquired", "run", id, "agent", r.h.ID)
			return newLease(p.platform, r.h, spec), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: agent not ready after %s", pipeline.ErrProvisionTimeout, p.timeout)
		}
		return nil, fmt.Errorf("%w: %w", pipeline.ErrProvision, r.err)

	case <-actx.Done():
		go p.reclaim(done)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: agent not ready after %s", pipeline.ErrProvisionTimeout, p.timeout)
	}
}

// Releases an agent that became ready after its caller stopped waiting.
func (p *Provisioner) reclaim(done <-chan acquired) {
	r := <-done
	if r.err == nil {
		slog.Warn("releasing agent acquired after deadline", "agent", r.h.ID)
		newLease(p.platform, r.h, pipeline.AgentSpec{}).Release()
	}
}

// An acquired agent. Release must be called exactly once the agent is no
// longer needed; further calls are no-ops.
type Lease struct {
	platform Platform
	handle   Handle
	spec     pipeline.AgentSpec
	once     sync.Once
}

func newLease(platform Platform, h Handle, spec pipeline.AgentSpec) *Lease {
	return &Lease{platform: platform, handle: h, spec: spec}
}

// Returns the platform handle of the agent.
func (l *Lease) Handle() Handle {
	return l.handle
}

// Returns the host path of the agent workspace.
func (l *Lease) Workspace() string {
	return l.handle.Workspace
}

// Runs a command in the agent.
//
// An empty container name selects the default container of the agent spec.
// A command that could not be started fails with [pipeline.ErrExecution];
// a command that ran and exited non-zero is not an error.
func (l *Lease) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if req.Container == "" {
		req.Container = l.spec.Default()
	}
	if len(req.Args) == 0 {
		return ExecResult{}, fmt.Errorf("%w: empty command", pipeline.ErrExecution)
	}

	res, err := l.platform.Execute(ctx, l.handle, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ExecResult{}, ctxErr
		}
		return ExecResult{}, fmt.Errorf("%w: %w", pipeline.ErrExecution, err)
	}
	return res, nil
}

// Tears the agent down. Safe to call more than once and from any goroutine.
func (l *Lease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if err := l.platform.Release(ctx, l.handle); err != nil {
			slog.Warn("agent teardown failed", "agent", l.handle.ID, "error", err)
			return
		}
		slog.Debug("agent released", "agent", l.handle.ID)
	})
}
