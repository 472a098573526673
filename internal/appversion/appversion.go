// Package appversion reports the fixloop build version.
package appversion

import "runtime/debug"

// version is set at build time via -ldflags "-X fixloop/internal/appversion.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version.
func String() string {
	return version
}

// Commit returns the VCS revision embedded by the Go toolchain, shortened to
// 12 characters, or "" when the binary was built without VCS info.
func Commit() string {
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

// Full returns the version followed by the commit when one is known.
func Full() string {
	if c := Commit(); c != "" {
		return version + " (" + c + ")"
	}
	return version
}
