// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes build metadata for Sonde binaries, injected
// at build time:
//
//	go build -ldflags "-X github.com/sonde-io/sonde/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds and tests see the defaults below.
package version

import (
	"fmt"
	"runtime"
)

// Injected via -ldflags -X.
var (
	// Version is the semantic version, set manually for releases.
	Version = "0.1.0-dev"

	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the build had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Info returns the one-line form used for --version and startup logs.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info plus the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
