// Package version carries the build identity stamped in by ldflags.
package version

var (
	// Version falls back to the latest tagged release when the build
	// system does not override it.
	Version = "v1.0.0"

	// Commit is the short git hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// UserAgent identifies this service on outbound HTTP calls.
func UserAgent() string {
	return "wa-hub/" + Version
}
