// Package runtime runs pipeline agents on containerd.
//
// A [Runtime] connects to a containerd daemon and implements the agent
// platform: for each container of an agent spec it pulls the image when it
// is not already present, unpacks it for the host platform, and creates a
// container with a fresh snapshot. Every container of an agent shares a host
// workspace directory mounted at /workspace, and credential files are
// mounted read-only at the targets the agent spec names. Resource requests become
// cgroup limits.
//
// Each [Container] runs an idle task. Command units are executed as
// additional exec processes attached to that task, without a shell. When the
// agent is released its containers are destroyed together with their
// snapshots and the workspace is removed. Containers carry a label with their
// agent id so that leftovers from a crashed process can be pruned.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Options{
//	    Address:    "/run/containerd/containerd.sock",
//	    Namespace:  "pipelined",
//	    Workspaces: "/var/lib/pipelined/workspaces",
//	})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	h, err := rt.Acquire(ctx, "42", spec)
//	if err != nil {
//	    return err
//	}
//	defer rt.Release(ctx, h)
//
//	res, err := rt.Execute(ctx, h, agent.ExecRequest{Container: "builder", Args: []string{"make"}})
package runtime
