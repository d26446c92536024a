// Provides platform-appropriate paths for the daemon.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS and Windows. The daemon name "pipelined" is used as the
// subdirectory under each base path. Configuration, templates and credentials
// live under the config home; the run database and agent workspaces live
// under the data home; the socket and PID file live under the runtime
// directory.
package paths
