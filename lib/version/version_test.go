// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "testing"

func TestBuildString(t *testing.T) {
	build := Build{Version: "1.2.0", Commit: "abc123", Modified: true, GoVersion: "go1.25.6"}
	if got := build.String(); got != "1.2.0 (abc123-dirty, go1.25.6)" {
		t.Errorf("String() = %q", got)
	}
	build.Modified = false
	if got := build.String(); got != "1.2.0 (abc123, go1.25.6)" {
		t.Errorf("String() = %q", got)
	}
}

func TestCurrentFillsDefaults(t *testing.T) {
	build := Current()
	if build.Version != Version || build.Commit == "" || build.GoVersion == "" {
		t.Errorf("Current() = %+v", build)
	}
}
