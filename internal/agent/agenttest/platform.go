// Package agenttest provides an in-memory agent platform for tests.
package agenttest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/cruciblehq/pipelined/internal/agent"
	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Recorded command execution.
type Exec struct {
	Agent string
	Req   agent.ExecRequest
}

// Fake [agent.Platform] that records every call.
//
// AcquireFunc and ExecFunc override the default behaviour, which is to
// acquire immediately and run every command successfully. Workspace, when
// set, is reported as the workspace of every agent.
type Platform struct {
	AcquireFunc func(ctx context.Context, id string, spec pipeline.AgentSpec) error
	ExecFunc    func(ctx context.Context, req agent.ExecRequest) (agent.ExecResult, error)
	ReleaseErr  error
	Workspace   string

	mu       sync.Mutex
	acquired []string
	released []string
	execs    []Exec
	specs    []pipeline.AgentSpec
}

// Implements [agent.Platform].
func (p *Platform) Acquire(ctx context.Context, id string, spec pipeline.AgentSpec) (agent.Handle, error) {
	if p.AcquireFunc != nil {
		if err := p.AcquireFunc(ctx, id, spec); err != nil {
			return agent.Handle{}, err
		}
	}

	containers := make(map[string]string, len(spec.Containers))
	for _, c := range spec.Containers {
		containers[c.Name] = id + "-" + c.Name
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired = append(p.acquired, id)
	p.specs = append(p.specs, spec)
	return agent.Handle{ID: id, Workspace: p.Workspace, Containers: containers}, nil
}

// Implements [agent.Platform].
func (p *Platform) Release(ctx context.Context, h agent.Handle) error {
	p.mu.Lock()
	p.released = append(p.released, h.ID)
	p.mu.Unlock()
	return p.ReleaseErr
}

// Implements [agent.Platform].
func (p *Platform) Execute(ctx context.Context, h agent.Handle, req agent.ExecRequest) (agent.ExecResult, error) {
	if _, ok := h.Containers[req.Container]; !ok {
		return agent.ExecResult{}, fmt.Errorf("no container %q in agent %s", req.Container, h.ID)
	}

	p.mu.Lock()
	p.execs = append(p.execs, Exec{Agent: h.ID, Req: req})
	p.mu.Unlock()

	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, req)
	}
	if req.Output != nil {
		io.WriteString(req.Output, "ok\n")
	}
	return agent.ExecResult{}, nil
}

// Returns the ids of acquired agents in order.
func (p *Platform) Acquired() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.acquired)
}

// Returns the ids of released agents in order.
func (p *Platform) Released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.released)
}

// Returns every recorded execution in order.
func (p *Platform) Execs() []Exec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.execs)
}

// Returns the specs passed to Acquire in order.
func (p *Platform) Specs() []pipeline.AgentSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.specs)
}

// Acquire behaviour that never becomes ready.
func Never(ctx context.Context, id string, spec pipeline.AgentSpec) error {
	<-ctx.Done()
	return ctx.Err()
}

// Exec behaviour that blocks until ctx is done.
func Hang(ctx context.Context, req agent.ExecRequest) (agent.ExecResult, error) {
	<-ctx.Done()
	return agent.ExecResult{}, ctx.Err()
}

// Exec behaviour that exits with code for commands whose first argument is
// cmd and succeeds otherwise.
func FailCommand(cmd string, code int) func(context.Context, agent.ExecRequest) (agent.ExecResult, error) {
	return func(ctx context.Context, req agent.ExecRequest) (agent.ExecResult, error) {
		if len(req.Args) > 0 && req.Args[0] == cmd {
			if req.Output != nil {
				fmt.Fprintf(req.Output, "%s: exit status %d\n", cmd, code)
			}
			return agent.ExecResult{ExitCode: code}, nil
		}
		return agent.ExecResult{}, nil
	}
}
