// Package version reports the build the locator binaries were cut from.
// The variables are set with -ldflags "-X ...".
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns a one-line description of the build.
func String() string {
	return fmt.Sprintf("locator %s (%s, built %s)", Version, GitSHA, BuildTime)
}
