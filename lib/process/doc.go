// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by Sonde
// binaries: fatal error reporting to stderr for failures that happen
// before (or instead of) structured logging, followed by process exit.
// Everything after logger construction logs through slog.
package process
