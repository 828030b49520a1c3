// Package version reports the build identity of gatecore binaries. Release
// builds stamp Version, Commit, and Date through -ldflags on this package; a
// plain `go build` reports "dev".
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the full build identity for startup logs. Unstamped builds
// collapse to just the version tag.
func String() string {
	if Commit == "none" {
		return Version
	}
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns only the version tag.
func Short() string { return Version }
