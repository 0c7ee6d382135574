// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sonde-io/sonde/lib/telemetry"
)

// flushOpTimeout bounds one full flush pass: pop, allocate, insert,
// metrics.
const flushOpTimeout = 30 * time.Second

// flush moves up to one batch from the node's queue into the store.
// Serialized per node; the drain loop and the flush timer may both
// call it. It runs on a detached timeout rather than the process
// context: entries already popped must reach the store or the DLQ
// even during shutdown.
func (l *nodeLoop) flush() {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushOpTimeout)
	defer cancel()

	entries, err := l.ing.queue.PopBatch(ctx, l.nodeID, batchSize)
	if err != nil {
		l.ing.logger.Warn("batch pop failed", "node_id", l.nodeID, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	readings, originals := parseEntries(l.ing.logger, l.nodeID, entries)
	if len(readings) == 0 {
		return
	}

	top, err := l.ing.store.AllocateSeqRange(ctx, l.nodeID, len(readings))
	if err != nil {
		// Without sequence numbers nothing can be written. Put the
		// entries back at the head so order holds for the retry.
		l.ing.logger.Warn("seq allocation failed, requeueing batch",
			"node_id", l.nodeID, "count", len(originals), "error", err)
		if err := l.ing.queue.RequeueHead(ctx, l.nodeID, originals); err != nil {
			l.ing.logger.Error("requeue failed, entries lost",
				"node_id", l.nodeID, "count", len(originals), "error", err)
		}
		return
	}

	seqBase := top - int64(len(readings)) + 1
	records := make([]telemetry.Record, len(readings))
	for i, r := range readings {
		records[i] = telemetry.Record{Reading: r, Seq: seqBase + int64(i)}
	}

	result, err := l.ing.store.InsertRecords(ctx, records)
	if err != nil {
		// Total failure: the whole batch goes to the DLQ with its
		// assigned seqs so a replay can restore density.
		l.ing.logger.Error("bulk insert failed, dead-lettering batch",
			"node_id", l.nodeID, "count", len(records), "error", err)
		l.deadLetter(ctx, records)
		l.cancelTimer()
		return
	}
	if len(result.Failed) > 0 {
		l.ing.logger.Warn("insert rejected records, dead-lettering",
			"node_id", l.nodeID, "count", len(result.Failed))
		l.deadLetter(ctx, result.Failed)
	}
	if result.Duplicates > 0 {
		// A replayed batch after a crash between insert and the
		// metrics update. The records are already in the store.
		l.ing.logger.Warn("insert skipped duplicate seqs",
			"node_id", l.nodeID, "count", result.Duplicates)
	}

	if result.Inserted > 0 {
		if err := l.ing.queue.RecordFlush(ctx, l.nodeID, result.Inserted, l.ing.clk.Now()); err != nil {
			l.ing.logger.Warn("metrics update failed", "node_id", l.nodeID, "error", err)
		}
	}

	l.cancelTimer()
	l.ing.logger.Debug("flushed batch",
		"node_id", l.nodeID,
		"popped", len(entries),
		"inserted", result.Inserted,
		"seq_base", seqBase,
		"seq_top", top,
	)
}

// parseEntries decodes queue entries, dropping malformed ones. It
// returns the decoded readings and, aligned by index, the original
// entries that produced them, which a failed allocation requeues.
func parseEntries(logger *slog.Logger, nodeID string, entries []string) ([]telemetry.Reading, []string) {
	readings := make([]telemetry.Reading, 0, len(entries))
	originals := make([]string, 0, len(entries))
	for _, entry := range entries {
		var r telemetry.Reading
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			logger.Warn("dropping malformed queue entry", "node_id", nodeID, "error", err)
			continue
		}
		if err := r.Validate(); err != nil {
			logger.Warn("dropping invalid queue entry", "node_id", nodeID, "error", err)
			continue
		}
		readings = append(readings, r)
		originals = append(originals, entry)
	}
	return readings, originals
}

// deadLetter replays records, seqs included, to the node's DLQ.
func (l *nodeLoop) deadLetter(ctx context.Context, records []telemetry.Record) {
	entries := make([]string, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			l.ing.logger.Error("record not encodable for the DLQ",
				"node_id", l.nodeID, "seq", rec.Seq, "error", err)
			continue
		}
		entries = append(entries, string(data))
	}
	if len(entries) == 0 {
		return
	}
	if err := l.ing.queue.PushDeadLetter(ctx, l.nodeID, entries); err != nil {
		l.ing.logger.Error("dead-letter push failed, records lost",
			"node_id", l.nodeID, "count", len(entries), "error", err)
	}
}
