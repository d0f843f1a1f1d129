// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags, e.g.
//
//	-X github.com/nugget/mcpwire/internal/buildinfo.Version=v0.3.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ClientName is the implementation name advertised to MCP servers in
// the initialize handshake.
const ClientName = "mcpwire"

// BuildInfo returns build and runtime metadata as a flat map suitable
// for JSON output.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// UserAgent returns the User-Agent header value for outbound HTTP.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", ClientName, Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s) built %s", ClientName, Version, GitCommit, BuildTime)
}
