// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the Redis client for the durable handoff between
// the gateway and the ingester. Each node owns a FIFO list at
// <prefix><nodeId> holding UTF-8 JSON readings; the gateway appends
// with a single batched RPUSH, the ingester drains with LPOP. The
// package also owns the per-node metrics hash (metrics:<nodeId>,
// 24h TTL) and the dead-letter list (dlq:node:<nodeId>).
//
// Only the gateway appends to a node's queue and only one ingester
// loop consumes it; the client itself is stateless and safe for
// concurrent use.
package queue
