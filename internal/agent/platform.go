package agent

import (
	"context"
	"io"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Backend that runs agents.
//
// Acquire blocks until every container of the agent spec is ready, and must return
// promptly once ctx is done. Release tears down everything Acquire created,
// including the workspace.
type Platform interface {
	Acquire(ctx context.Context, id string, spec pipeline.AgentSpec) (Handle, error)
	Release(ctx context.Context, h Handle) error
	Execute(ctx context.Context, h Handle, req ExecRequest) (ExecResult, error)
}

// Reference to an acquired agent.
type Handle struct {
	ID         string            // Agent identity, unique per run.
	Workspace  string            // Host directory mounted at /workspace in every container.
	Containers map[string]string // Platform container ids by container name.
}

// A command to run inside one container of an agent.
type ExecRequest struct {
	Container string    // Container name. Empty selects the default container.
	Args      []string  // Command and arguments, run without a shell.
	Env       []string  // Environment overrides in KEY=VALUE form.
	Workdir   string    // Working directory. Empty keeps the image default.
	Output    io.Writer // Receives interleaved stdout and stderr. May be nil.
}

// Result of a command that ran to completion.
type ExecResult struct {
	ExitCode int
}

// Resolves credential references to host paths for mounting.
type Locator interface {
	Path(ref string) (string, error)
}
