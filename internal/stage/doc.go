// Package stage drives runs through their lifecycle.
//
// A [Runner] takes a Pending run, acquires its agent, executes the bound
// stages strictly in order and leaves the run in exactly one terminal status.
// Each stage runs its command units against the agent, by default in the
// agent's default container. A stage fails when a command exits non-zero,
// cannot be started, or the stage exceeds its timeout. A failed stage whose
// abort policy is set ends the run: later stages are recorded as skipped and
// the run fails. A failed stage without the abort policy is recorded and the
// run continues, but can no longer succeed.
//
// Units without a command carry modifiers. Their environment and working
// directory persist for the remaining units of the stage; modifiers on a unit
// with a command apply to that unit only. Modifier state resets between
// stages.
//
// Publish units build and push an image from the agent workspace through the
// registry publisher, with the credential they name resolved just for that
// call.
//
// Cancelling the context passed to [Runner.Run] aborts the run. The agent is
// released on every path out of the run before the terminal status is set,
// so observers never see a finished run whose agent is still alive.
//
// Example usage:
//
//	runner := stage.New(prov, pub, store, stage.Options{
//	    StageTimeout: 30 * time.Minute,
//	    Observe:      func(r pipeline.Run) { log.Println(r.ID, r.Status) },
//	})
//	runner.Run(ctx, run)
package stage
