// Package agent provisions ephemeral execution environments for runs.
//
// A [Platform] knows how to bring up the containers an agent spec describes,
// run commands in them and tear them down. The [Provisioner] wraps a platform
// with the guarantees the stage runner relies on: acquisition is bounded by a
// timeout and unblocks promptly on cancellation, credential mounts are
// resolved to host paths before the platform sees the agent spec, and every
// successful acquisition yields a [Lease] whose Release tears the agent down
// exactly once.
//
// Release never fails from the caller's point of view. Teardown errors are
// logged and otherwise ignored, so the outcome of a run never depends on
// cleanup.
//
// Example usage:
//
//	prov := agent.NewProvisioner(rt, store, 2*time.Minute)
//
//	lease, err := prov.Acquire(ctx, run.ID, run.Agent)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//
//	res, err := lease.Execute(ctx, agent.ExecRequest{Args: []string{"make", "test"}})
package agent
