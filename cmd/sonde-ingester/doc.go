// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Sonde-ingester drains the durable node queues into the time-series
// store, assigning each record its place in the node's gap-free
// sequence.
//
// Data flow:
//
//	SCAN queue:node:* → per-node drain loop → counters ($inc seq range)
//	                                        → timeseries (unordered bulk insert)
//	                                        → metrics:<id> (counts, 24h TTL)
//
// Node queues are discovered by scanning the key prefix once a second.
// Each discovered queue gets one exclusive drain loop: a full batch
// (150 entries) flushes immediately, a part-filled queue flushes two
// seconds after the first sighting, and an emptied queue releases its
// loop until the scanner sees entries again.
//
// A flush allocates the batch's sequence range in one atomic counter
// update before inserting, so per-node sequences stay dense even
// across restarts. Records rejected by the insert are replayed to
// dlq:node:<id> carrying their allocated sequence numbers; duplicate
// key rejections (a batch replayed after a crash) are tolerated and
// never dead-lettered.
//
// Run with --health-address to expose GET /health for liveness probes.
package main
