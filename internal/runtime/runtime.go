package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"

	"github.com/cruciblehq/pipelined/internal/agent"
	"github.com/cruciblehq/pipelined/internal/pipeline"
)

const (

	// Default snapshotter for container filesystems. Rootless deployments
	// configure fuse-overlayfs instead, which provides overlay semantics
	// without mount(2).
	DefaultSnapshotter = "overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"

	// Label carrying the agent id on every container the runtime creates.
	agentLabel = "io.pipelined.agent"

	// Interval between readiness checks while an agent starts.
	readyPoll = 100 * time.Millisecond
)

// Connection and placement settings for a [Runtime].
type Options struct {
	Address     string // Containerd socket path.
	Namespace   string // Containerd namespace scoping every operation.
	Snapshotter string // Snapshotter for container filesystems. Empty selects [DefaultSnapshotter].
	Workspaces  string // Host directory holding per-agent workspaces.
}

// Agent platform backed by containerd.
//
// Every agent container runs a long-lived idle task so that command units can
// be attached to it as additional exec processes.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter for container filesystems.
	workspaces  string             // Host directory holding per-agent workspaces.
	platform    string             // OCI platform images are pulled for.
}

var _ agent.Platform = (*Runtime)(nil)

// Creates a runtime connected to the containerd socket.
//
// The runtime must be closed when no longer needed.
func New(opts Options) (*Runtime, error) {
	client, err := containerd.New(opts.Address, containerd.WithDefaultNamespace(opts.Namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	snapshotter := opts.Snapshotter
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}

	return &Runtime{
		client:      client,
		snapshotter: snapshotter,
		workspaces:  opts.Workspaces,
		platform:    defaultPlatform(),
	}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Brings up every container of the agent spec.
//
// A fresh workspace directory is created and bind-mounted at
// [pipeline.WorkspaceMount] in every container, together with the credential
// mounts of the agent spec. Images are pulled when not already present. The call
// returns once every container task is running. On failure, everything
// created so far is torn down before the error is returned.
func (rt *Runtime) Acquire(ctx context.Context, id string, spec pipeline.AgentSpec) (agent.Handle, error) {
	h := agent.Handle{
		ID:         id,
		Workspace:  filepath.Join(rt.workspaces, id),
		Containers: make(map[string]string, len(spec.Containers)),
	}

	// Remove any stale workspace from a previous agent with the same ID.
	os.RemoveAll(h.Workspace)
	if err := os.MkdirAll(h.Workspace, 0o755); err != nil {
		return agent.Handle{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	mounts := agentMounts(h.Workspace, spec)

	for _, cs := range spec.Containers {
		c, err := rt.startContainer(ctx, id, cs, mounts)
		if err != nil {
			rt.Release(context.WithoutCancel(ctx), h)
			return agent.Handle{}, fmt.Errorf("container %s: %w", cs.Name, err)
		}
		h.Containers[cs.Name] = c.id
	}

	for name, cid := range h.Containers {
		if err := rt.Container(cid).waitRunning(ctx); err != nil {
			rt.Release(context.WithoutCancel(ctx), h)
			return agent.Handle{}, fmt.Errorf("container %s: %w", name, err)
		}
	}

	slog.Debug("agent ready", "agent", id, "containers", len(h.Containers), "workspace", h.Workspace)
	return h, nil
}

// Tears down every container of the agent and removes its workspace.
//
// Containers that no longer exist are skipped. All teardown steps are
// attempted; their failures are joined.
func (rt *Runtime) Release(ctx context.Context, h agent.Handle) error {
	var errs []error
	for _, cid := range h.Containers {
		if err := rt.Container(cid).Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.Workspace != "" {
		if err := os.RemoveAll(h.Workspace); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrRuntime, err))
		}
	}
	return errors.Join(errs...)
}

// Runs a command unit in one container of the agent.
func (rt *Runtime) Execute(ctx context.Context, h agent.Handle, req agent.ExecRequest) (agent.ExecResult, error) {
	cid, ok := h.Containers[req.Container]
	if !ok {
		return agent.ExecResult{}, fmt.Errorf("%w: %q in agent %s", ErrUnknownContainer, req.Container, h.ID)
	}

	code, err := rt.Container(cid).Exec(ctx, req.Args, req.Env, req.Workdir, req.Output)
	if err != nil {
		return agent.ExecResult{}, err
	}
	return agent.ExecResult{ExitCode: code}, nil
}

// Removes every container left behind by a previous process.
//
// Containers are discovered by the agent label. Each container's task is
// killed before the container and its snapshot are deleted.
func (rt *Runtime) Prune(ctx context.Context) (int, error) {
	ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("labels.%q", agentLabel))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	n := 0
	for _, ctr := range ctrs {
		if err := rt.Container(ctr.ID()).Destroy(ctx); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		slog.Info("pruned stale agent containers", "count", n)
	}
	return n, nil
}

// Returns a handle for an existing container.
//
// The container is not loaded or verified; the handle is a lightweight
// reference that resolves the container lazily on subsequent calls.
func (rt *Runtime) Container(id string) *Container {
	return &Container{
		client:      rt.client,
		id:          id,
		platform:    rt.platform,
		snapshotter: rt.snapshotter,
	}
}

// Creates and starts one agent container.
//
// Any existing container with the same ID is removed first.
func (rt *Runtime) startContainer(ctx context.Context, agentID string, cs pipeline.ContainerSpec, mounts []mountSpec) (*Container, error) {
	image, err := rt.ensureImage(ctx, cs.Image)
	if err != nil {
		return nil, err
	}

	memory, err := cs.Resources.MemoryBytes()
	if err != nil {
		return nil, err
	}

	c := rt.Container(containerID(agentID, cs.Name))
	c.remove(ctx)

	ctr, err := c.create(ctx, image, containerConfig{
		agent:     agentID,
		mounts:    mounts,
		cpuShares: cs.Resources.CPUShares,
		memory:    memory,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container started", "id", c.id, "image", image.Name())
	return c, nil
}

// Returns the image for ref, pulling and unpacking it when needed.
func (rt *Runtime) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	name, err := normalizeRef(ref)
	if err != nil {
		return nil, err
	}

	image, err := rt.resolveImage(ctx, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		slog.Info("pulling image", "image", name)
		image, err = rt.client.Pull(ctx, name,
			containerd.WithPlatform(rt.platform),
			containerd.WithPullUnpack,
			containerd.WithPullSnapshotter(rt.snapshotter),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: pull %s: %w", ErrRuntime, name, err)
		}
		return image, nil
	}

	unpacked, err := image.IsUnpacked(ctx, rt.snapshotter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if !unpacked {
		if err := image.Unpack(ctx, rt.snapshotter); err != nil {
			return nil, fmt.Errorf("%w: unpack %s: %w", ErrRuntime, name, err)
		}
	}
	return image, nil
}

// Looks up a local image and selects the manifest for the runtime platform.
//
// Multi-platform images contain manifests for multiple architectures. This
// method selects one, so that subsequent operations target the correct
// architecture.
func (rt *Runtime) resolveImage(ctx context.Context, name string) (containerd.Image, error) {
	p, err := platforms.Parse(rt.platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Expands a short image reference ("python:3.12") into the fully qualified
// form containerd stores images under ("docker.io/library/python:3.12").
func normalizeRef(ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidImage, ref, err)
	}
	return named.String(), nil
}

// Returns the containerd id of an agent container.
func containerID(agentID, name string) string {
	return "pipelined-" + agentID + "-" + name
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
