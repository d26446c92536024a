package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Lifecycle state of an agent container.
type State string

const (
	StateNotCreated State = "not_created"
	StateStopped    State = "stopped"
	StateRunning    State = "running"
)

// A bind mount shared by every container of an agent.
type mountSpec struct {
	source   string
	target   string
	readOnly bool
}

// Returns the mounts of an agent: the workspace read-write, credentials
// read-only.
func agentMounts(workspace string, spec pipeline.AgentSpec) []mountSpec {
	mounts := []mountSpec{{source: workspace, target: pipeline.WorkspaceMount}}
	for _, m := range spec.Mounts {
		mounts = append(mounts, mountSpec{source: m.Source, target: m.Target, readOnly: true})
	}
	return mounts
}

// Converts agent mounts into OCI runtime mounts.
func ociMounts(mounts []mountSpec) []specs.Mount {
	out := make([]specs.Mount, len(mounts))
	for i, m := range mounts {
		mode := "rw"
		if m.readOnly {
			mode = "ro"
		}
		out[i] = specs.Mount{
			Destination: m.target,
			Type:        "bind",
			Source:      m.source,
			Options:     []string{"rbind", mode},
		}
	}
	return out
}

// Settings applied to an agent container at creation.
type containerConfig struct {
	agent     string      // Agent id, recorded as a label.
	mounts    []mountSpec // Workspace and credential mounts.
	cpuShares uint64      // Relative CPU weight, zero for the runtime default.
	memory    int64       // Memory limit in bytes, zero for none.
}

// Returns the OCI spec options for the configuration.
func (cfg containerConfig) specOpts(platform string, image containerd.Image) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithDefaultSpecForPlatform(platform),
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithMounts(ociMounts(cfg.mounts)),
		oci.WithProcessArgs("sleep", "infinity"),
	}
	if cfg.cpuShares > 0 {
		opts = append(opts, oci.WithCPUShares(cfg.cpuShares))
	}
	if cfg.memory > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(cfg.memory)))
	}
	return opts
}

// A container of an agent, backed by containerd.
type Container struct {
	client      *containerd.Client // Containerd client for managing the container.
	id          string             // Containerd container ID.
	platform    string             // OCI platform (e.g., "linux/amd64").
	snapshotter string             // Snapshotter holding the container filesystem.
}

// Queries the current state of the container.
//
// Returns [StateRunning] if the task is active, [StateStopped] if the
// container exists but has no running task, or [StateNotCreated] if the
// container does not exist.
func (c *Container) Status(ctx context.Context) (State, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateNotCreated, nil
		}
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateStopped, nil
		}
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	switch status.Status {
	case containerd.Running:
		return StateRunning, nil
	default:
		return StateStopped, nil
	}
}

// Removes the container and its resources.
//
// The task is killed and the container is removed from containerd along
// with its snapshot. Destroying a container that does not exist is not an
// error. After destruction the handle is invalid.
func (c *Container) Destroy(ctx context.Context) error {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: load %s: %w", ErrRuntime, c.id, err)
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: delete %s: %w", ErrRuntime, c.id, err)
	}

	slog.Debug("container destroyed", "id", c.id)
	return nil
}

// Blocks until the container task is running or ctx is done.
func (c *Container) waitRunning(ctx context.Context) error {
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()

	for {
		state, err := c.Status(ctx)
		if err != nil {
			return err
		}
		switch state {
		case StateRunning:
			return nil
		case StateNotCreated:
			return fmt.Errorf("%w: container %s disappeared", ErrRuntime, c.id)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Creates the containerd container for an agent.
func (c *Container) create(ctx context.Context, image containerd.Image, cfg containerConfig) (containerd.Container, error) {
	return c.client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(c.snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithContainerLabels(map[string]string{agentLabel: cfg.agent}),
		containerd.WithNewSpec(cfg.specOpts(c.platform, image)...),
	)
}

// Starts the container's long-running task with no attached IO.
func (c *Container) startTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Removes an existing container with this ID, if one exists.
//
// Any running task is killed and the container is deleted along with its
// snapshot. This is a no-op when no container with the ID is found.
func (c *Container) remove(ctx context.Context) {
	existing, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return
	}
	if task, err := existing.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}
	existing.Delete(ctx, containerd.WithSnapshotCleanup)
}
