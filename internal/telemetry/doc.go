// Package telemetry wires tracing and metrics for the daemon.
//
// [InitTracer] installs a global OpenTelemetry tracer provider that exports
// spans to a writer; without it, spans created by other packages are no-ops.
// [Metrics] holds the Prometheus collectors for runs, stages, provisioning and
// publishing on a private registry served by the HTTP server. A nil *Metrics
// is valid and records nothing.
package telemetry
