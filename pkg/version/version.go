// Package version derives the application version from build metadata. An
// -ldflags override wins, then VCS info from debug.ReadBuildInfo, then "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in logs and user-agent headers.
const AppName = "colloquy"

// commitOverride can be set with -ldflags for container builds that have no
// .git directory.
var commitOverride string

// GitCommit is the short (8 char) commit hash, or "dev" when no VCS
// information is stamped into the binary, as under `go test`.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "colloquy/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
