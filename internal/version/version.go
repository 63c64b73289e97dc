// Package version holds build-time version information for dashlink.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags.
var (
	// Version is the semantic version of the build.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = "unknown"
	// BuildDate is the date the binary was built.
	BuildDate = "unknown"
)

// Short returns a one-line version string.
func Short() string {
	return Version
}

// Full returns a detailed version string including commit and toolchain.
func Full() string {
	return fmt.Sprintf("dashlink %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
