// Package report delivers terminal run status to the trigger origin.
//
// A [Notification] summarizes a finished run: its outcome, reason, per-stage
// breakdown and timing. The [Reporter] posts it as JSON to a status URL,
// retrying transient failures a bounded number of times. Every delivery
// carries a unique id in the X-Pipelined-Delivery header, so receivers can
// discard duplicates caused by retries. Delivery failures are returned as
// [pipeline.ErrReport]; they never change the recorded outcome of a run.
package report
