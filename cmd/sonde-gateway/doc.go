// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Sonde-gateway is the device-facing ingress of the Sonde telemetry
// backend. It terminates Socket.IO connections from ESP32 field
// devices and dashboard clients, normalizes device frames into
// readings, buffers them per device, fans live readings out to
// dashboards, and hands full buffers to Redis for the ingester to
// durably process.
//
// Data flow:
//
//	device → /save, data, bulk:data → per-device buffer → RPUSH queue:node:<id>
//	                                → data:live broadcast to dashboards
//
// A device identifies explicitly with an identify frame or implicitly
// with its first /save: an unidentified socket that sends /save
// becomes a node, named by the frame's deviceId or, failing that, by
// ESP32_<first 8 chars of its socket id>. Sockets that never identify
// stay connected and harmless.
//
// Flush triggers:
//   - Threshold: the buffer reaching BUFFER_SIZE (default 100) flushes
//     inline on the socket's event goroutine.
//   - Disconnect: a node's remaining buffer is flushed best-effort.
//   - Shutdown: SIGINT/SIGTERM drains every device buffer before exit.
//
// The gateway also serves the REST query surface (/api/series,
// /api/latest, /api/sync, /api/nodes, /api/metrics, /api/command) and
// a /health endpoint probing Redis and MongoDB.
package main
