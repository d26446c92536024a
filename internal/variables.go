package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (

	// Program name used for the binary, logs and tracing.
	Name = "pipelined"

	// Placeholder for a variable the build did not set.
	defaultUndefined = "(undefined)"

	// Version string of a build made outside the release pipeline.
	defaultLocalBuild = "(local)"

	// Branch whose builds carry no stage suffix.
	mainBranch = "main"
)

// Set through -ldflags -X by release builds.
var (
	version   = "" // Release version, e.g. "1.2.3" or "v1.2.3".
	stage     = "" // Branch the release was cut from.
	gitCommit = "" // Commit hash of the release.

	rawQuiet   = "false"
	rawDebug   = "false"
	rawVerbose = "false"
)

// Build metadata reported by the version command and the health endpoint.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Stage     string `json:"stage"`
	Commit    string `json:"commit"`
	Arch      string `json:"arch"`
	GoVersion string `json:"goVersion"`
	Local     bool   `json:"local"`
}

// Returns the build metadata.
//
// A local build falls back to the VCS revision the Go toolchain embeds, when
// there is one.
func Build() BuildInfo {
	info := BuildInfo{
		Name:      Name,
		Version:   Version(),
		Stage:     Stage(),
		Commit:    GitCommit(),
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		Local:     IsLocal(),
	}
	if info.Local && info.Commit == defaultUndefined {
		if rev := vcsRevision(); rev != "" {
			info.Commit = rev
		}
	}
	return info
}

// Returns the revision recorded by the toolchain, or "".
func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// Returns the release version without a "v" prefix, or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return defaultUndefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the branch the release was cut from, or "(undefined)".
func Stage() string {
	s := strings.TrimSpace(stage)
	if s == "" {
		return defaultUndefined
	}
	return strings.ToLower(s)
}

// Returns the release commit hash, or "(undefined)".
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return defaultUndefined
	}
	return c
}

// Returns the build architecture.
func Arch() string {
	return runtime.GOARCH
}

// Reports whether any release variable is unset.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(stage) == ""
}

// Returns "(local)" for local builds and "<version>[+<stage>] <commit> [<arch>]"
// otherwise. The stage is omitted for main.
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	s := ""
	if st := Stage(); st != mainBranch {
		s = "+" + st
	}
	return fmt.Sprintf("%s%s %s [%s]", Version(), s, GitCommit(), Arch())
}

// Returns the User-Agent sent on outbound requests, "pipelined/<version>".
func UserAgent() string {
	v := Version()
	if IsLocal() {
		v = "dev"
	}
	return Name + "/" + v
}
