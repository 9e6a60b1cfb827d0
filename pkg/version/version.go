// Package version exposes build metadata injected at link time.
package version

// Populated via -ldflags at build time. Defaults identify a
// development build produced outside the release pipeline.
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the short git hash the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp in RFC 3339 format.
	Date = "unknown"
)
