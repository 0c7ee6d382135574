// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP scaffolding shared by Sonde
// binaries. The gateway mounts its Socket.IO endpoint and REST API on
// an HTTPServer; the ingester uses one for its optional health
// listener.
//
// Services compose these pieces in their own main() rather than
// subclassing a framework: construct a handler, wrap it in an
// HTTPServer, and call Serve(ctx). Serve blocks until the context is
// cancelled and in-flight requests drain.
package service
