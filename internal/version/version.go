// Package version carries build identity for the gateway, poller, and
// notifier binaries, stamped via -ldflags at release time.
package version

import "runtime"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
