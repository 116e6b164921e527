// Package buildinfo holds process build metadata, overridable at link time
// via -ldflags "-X ...", the teacher's own cmd/control-plane/main.go
// convention for its GET /version stub.
package buildinfo

// Version, Commit, and Date are set at build time; the zero values below
// are what a `go build` without -ldflags produces.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
