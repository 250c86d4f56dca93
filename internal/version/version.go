// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set at build time via -ldflags "-X aieval/internal/version.version=...".
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the current version.
func String() string {
	return version
}

// Commit returns the VCS revision the binary was built from, falling back to
// the module build info when ldflags did not set it.
func Commit() string {
	if commit != "" {
		return commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

// Full returns "version (commit)" or just the version when no commit is known.
func Full() string {
	if c := Commit(); c != "" {
		return fmt.Sprintf("%s (%s)", version, c)
	}
	return version
}
