// Parses flags, configures logging and wires the pipelined daemon.
//
// The daemon accepts the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-c, --config    Configuration file path.
//
// and the commands start, validate and version. Flags override build-time
// defaults set via linker flags. After parsing, the global logger is
// replaced to reflect the final level and verbosity before the command runs.
//
// The start command assembles the daemon from its configuration: the run
// history store, the template registry, the containerd agent platform, the
// docker publisher, the status reporter, the stage runner, the trigger
// service and the HTTP API. It blocks until SIGINT or SIGTERM and then shuts
// the pieces down in reverse order, aborting active runs.
package cli
