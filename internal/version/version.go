// Package version carries the build version, overridden at link time with
// -ldflags "-X github.com/vortexl2/vortexl2/internal/version.Version=...".
package version

var Version = "3.0.0-dev"
