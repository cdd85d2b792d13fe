// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of the supervisor is running.
// Journals from different builds are only comparable when the build is
// known, so every binary logs it at startup and prints it for
// --version.
//
// Version may be set at link time:
//
//	go build -ldflags "-X github.com/bureau-foundation/supervisor/lib/version.Version=1.2.0"
//
// The commit is read from the module build information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the release version.
var Version = "0.1.0-dev"

// Build describes the running binary.
type Build struct {
	Version   string
	Commit    string
	Modified  bool
	GoVersion string
}

// Current reads the build information of the running binary. Fields
// the toolchain did not record are "unknown".
func Current() Build {
	build := Build{Version: Version, Commit: "unknown", GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return build
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			build.Commit = setting.Value
			if len(build.Commit) > 12 {
				build.Commit = build.Commit[:12]
			}
		case "vcs.modified":
			build.Modified = setting.Value == "true"
		}
	}
	return build
}

// String formats the build for --version output.
func (b Build) String() string {
	dirty := ""
	if b.Modified {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", b.Version, b.Commit, dirty, b.GoVersion)
}

// Print writes "name version" to stdout.
func Print(name string) {
	fmt.Printf("%s %s\n", name, Current())
}
