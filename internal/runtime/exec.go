package runtime

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Time a cancelled command gets to exit after SIGTERM before it is killed.
const stopGrace = 5 * time.Second

// Environment variable pointing commands at the shared workspace.
const workspaceEnv = "PIPELINED_WORKSPACE"

// Counter for exec process identifiers, unique within the daemon.
var execSeq atomic.Uint64

// Returns an exec process identifier for a command unit.
func nextExecID() string {
	return fmt.Sprintf("unit-%d", execSeq.Add(1))
}

// Runs a command unit directly inside the container.
//
// The command runs without shell wrapping, so every argument reaches the
// process verbatim. env entries override the container environment for this
// command only. An empty workdir runs the command in the agent workspace.
// Standard output and standard error are interleaved into out, which may be
// nil. A non-zero exit code is returned as is; the caller decides what it
// means. Cancelling ctx stops the command, first with SIGTERM and after a
// grace period with SIGKILL.
func (c *Container) Exec(ctx context.Context, args, env []string, workdir string, out io.Writer) (int, error) {
	base, err := c.processBase(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	pspec := unitProcess(base, args, env, workdir)

	task, err := c.loadTask(ctx)
	if err != nil {
		return 0, err
	}

	w := io.Discard
	if out != nil {
		w = &lockedWriter{w: out}
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(cio.WithStreams(nil, w, w)))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return awaitProcess(ctx, process)
}

// Returns the process section of the container's OCI spec.
func (c *Container) processBase(ctx context.Context) (specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return specs.Process{}, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return specs.Process{}, err
	}
	if spec.Process == nil {
		return specs.Process{}, fmt.Errorf("container %s has no process spec", c.id)
	}
	return *spec.Process, nil
}

// Derives the process of one command unit from the container's process.
//
// The container's user and capabilities are kept. The workspace variable is
// always set, and env entries take precedence over both.
func unitProcess(base specs.Process, args, env []string, workdir string) *specs.Process {
	p := base
	p.Terminal = false
	p.Args = slices.Clone(args)
	p.Env = mergeEnv(base.Env, append([]string{workspaceEnv + "=" + pipeline.WorkspaceMount}, env...))

	p.Cwd = workdir
	if p.Cwd == "" {
		p.Cwd = pipeline.WorkspaceMount
	}
	return &p
}

// Merges override entries on top of a base environment.
//
// Keys keep the position of their first appearance, base keys first, so the
// result is deterministic. Entries without "=" are dropped.
func mergeEnv(base, overrides []string) []string {
	var keys []string
	values := make(map[string]string, len(base)+len(overrides))

	for _, entry := range slices.Concat(base, overrides) {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			continue
		}
		if _, seen := values[k]; !seen {
			keys = append(keys, k)
		}
		values[k] = v
	}

	result := make([]string, len(keys))
	for i, k := range keys {
		result[i] = k + "=" + values[k]
	}
	return result
}

// Loads the container's running task.
func (c *Container) loadTask(ctx context.Context) (containerd.Task, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return task, nil
}

// Starts an exec process and waits for it to exit.
//
// The process is always deleted before returning. When ctx ends first, the
// process is stopped and ctx's error is returned.
func awaitProcess(ctx context.Context, process containerd.Process) (int, error) {
	cleanup := context.WithoutCancel(ctx)
	defer process.Delete(cleanup, containerd.WithProcessKill)

	statusC, err := process.Wait(cleanup)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := process.Start(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		return int(code), nil

	case <-ctx.Done():
		stopProcess(cleanup, process, statusC)
		return 0, ctx.Err()
	}
}

// Sends SIGTERM, then SIGKILL if the process outlives the grace period.
func stopProcess(ctx context.Context, process containerd.Process, statusC <-chan containerd.ExitStatus) {
	if err := process.Kill(ctx, syscall.SIGTERM); err != nil {
		process.Kill(ctx, syscall.SIGKILL)
		return
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		process.Kill(ctx, syscall.SIGKILL)
	}
}

// Serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
