// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the MongoDB client for the time-series collection
// and the per-node sequence counters.
//
// Records live in the timeseries collection under two indexes:
// {nodeId, ts} for time windows and a unique {nodeId, seq} that makes
// duplicate sequence writes impossible. Counters live in the counters
// collection as {_id: nodeId, seq: highest}; AllocateSeqRange reserves
// a dense block atomically with a single findAndModify, which is what
// keeps per-node sequences gap-free across ingester restarts.
//
// Bulk inserts run unordered so one duplicate-key conflict cannot
// abort its siblings; InsertRecords reports duplicates and failures
// separately so the caller can account and dead-letter precisely.
package store
