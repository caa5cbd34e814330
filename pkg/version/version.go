// Package version reports openclawd's build identity: the version
// baked in at release time via -ldflags, falling back to whatever the
// Go toolchain's embedded VCS metadata can tell us when a binary was
// built with a plain `go build` (the common case in development and in
// the integration tests, where no ldflags are set).
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build information set by the compiler flags
var (
	// Version is the service version
	Version = "0.1.0"

	// GitCommit is the git commit hash
	GitCommit = "unknown"

	// BuildTime is the time the binary was built
	BuildTime = "unknown"

	// GoVersion is the version of Go used to build the binary
	GoVersion = runtime.Version()
)

// Info is the build identity surfaced over the diagnostics endpoint.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified"`
}

// BuildInfo resolves GitCommit and BuildTime from runtime/debug's VCS
// metadata whenever they were left at their zero-value defaults — i.e.
// the binary wasn't built with -ldflags — so a plain `go build` or
// `go test` still reports something more useful than "unknown". It
// never overrides values that were set at link time, and it re-reads
// the package vars on every call so tests can override them directly.
func BuildInfo() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	var revision, commitTime string
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			commitTime = setting.Value
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}

	if info.GitCommit == "unknown" && revision != "" {
		info.GitCommit = revision
	}
	if info.BuildTime == "unknown" && commitTime != "" {
		info.BuildTime = commitTime
	}
	return info
}

// FullVersion returns the full version string including git commit and build time
func FullVersion() string {
	info := BuildInfo()
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", info.Version, info.GitCommit, info.BuildTime, info.GoVersion)
}

// UserAgent returns a string suitable for use as a HTTP User-Agent
// header, for the rare outbound call a deployment's Gateway
// implementation makes to an external approval surface.
func UserAgent() string {
	return fmt.Sprintf("openclawd/%s", Version)
}
