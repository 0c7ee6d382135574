// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sonde-io/sonde/lib/clock"
	"github.com/sonde-io/sonde/lib/store"
	"github.com/sonde-io/sonde/lib/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

// queueEntry encodes a reading the way the gateway enqueues it.
func queueEntry(t *testing.T, nodeID string, ts int64) string {
	t.Helper()
	r := telemetry.NewLegacyReading(nodeID, ts, map[string]any{"current": float64(ts % 100)})
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshaling reading: %v", err)
	}
	return string(data)
}

// batchEntries builds n well-formed queue entries with ascending
// timestamps starting at base.
func batchEntries(t *testing.T, nodeID string, base int64, n int) []string {
	t.Helper()
	entries := make([]string, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, queueEntry(t, nodeID, base+int64(i)))
	}
	return entries
}

type flushRecord struct {
	nodeID string
	count  int
	at     time.Time
}

// fakeIngestQueue is an in-memory stand-in for the Redis queue. Nodes
// reports only nodes with entries, the way SCAN only sees keys that
// exist. Set gate and popStarted before starting any loops.
type fakeIngestQueue struct {
	gate       chan struct{}
	popStarted chan string

	mu      sync.Mutex
	queues  map[string][]string
	dlq     map[string][]string
	flushes []flushRecord
	popErr  error
	pingErr error
}

func newFakeIngestQueue() *fakeIngestQueue {
	return &fakeIngestQueue{
		queues: make(map[string][]string),
		dlq:    make(map[string][]string),
	}
}

func (q *fakeIngestQueue) push(nodeID string, entries ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[nodeID] = append(q.queues[nodeID], entries...)
}

func (q *fakeIngestQueue) Nodes(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var nodes []string
	for nodeID, entries := range q.queues {
		if len(entries) > 0 {
			nodes = append(nodes, nodeID)
		}
	}
	sort.Strings(nodes)
	return nodes, nil
}

func (q *fakeIngestQueue) Len(ctx context.Context, nodeID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[nodeID])), nil
}

func (q *fakeIngestQueue) PopBatch(ctx context.Context, nodeID string, n int) ([]string, error) {
	if q.popStarted != nil {
		q.popStarted <- nodeID
	}
	if q.gate != nil {
		<-q.gate
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.popErr != nil {
		err := q.popErr
		q.popErr = nil
		return nil, err
	}
	entries := q.queues[nodeID]
	if n > len(entries) {
		n = len(entries)
	}
	popped := append([]string(nil), entries[:n]...)
	q.queues[nodeID] = entries[n:]
	return popped, nil
}

func (q *fakeIngestQueue) RequeueHead(ctx context.Context, nodeID string, entries []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[nodeID] = append(append([]string(nil), entries...), q.queues[nodeID]...)
	return nil
}

func (q *fakeIngestQueue) PushDeadLetter(ctx context.Context, nodeID string, entries []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq[nodeID] = append(q.dlq[nodeID], entries...)
	return nil
}

func (q *fakeIngestQueue) RecordFlush(ctx context.Context, nodeID string, count int, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushes = append(q.flushes, flushRecord{nodeID: nodeID, count: count, at: at})
	return nil
}

func (q *fakeIngestQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pingErr
}

func (q *fakeIngestQueue) failNextPop(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.popErr = err
}

func (q *fakeIngestQueue) setPingErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pingErr = err
}

func (q *fakeIngestQueue) queueLen(nodeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[nodeID])
}

func (q *fakeIngestQueue) queued(nodeID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queues[nodeID]...)
}

func (q *fakeIngestQueue) deadLettered(nodeID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.dlq[nodeID]...)
}

func (q *fakeIngestQueue) flushed() []flushRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]flushRecord(nil), q.flushes...)
}

// fakeSeqStore is an in-memory stand-in for the Mongo store. Counters
// behave like the atomic $inc: each allocation reserves a contiguous
// range and returns its top. failSeqs and dupSeqs mark seq numbers the
// bulk insert rejects or reports as already present.
type fakeSeqStore struct {
	mu        sync.Mutex
	counters  map[string]int64
	records   []telemetry.Record
	allocErr  error
	insertErr error
	failSeqs  map[int64]bool
	dupSeqs   map[int64]bool
	pingErr   error
}

func newFakeSeqStore() *fakeSeqStore {
	return &fakeSeqStore{
		counters: make(map[string]int64),
		failSeqs: make(map[int64]bool),
		dupSeqs:  make(map[int64]bool),
	}
}

func (s *fakeSeqStore) AllocateSeqRange(ctx context.Context, nodeID string, count int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocErr != nil {
		err := s.allocErr
		s.allocErr = nil
		return 0, err
	}
	s.counters[nodeID] += int64(count)
	return s.counters[nodeID], nil
}

func (s *fakeSeqStore) InsertRecords(ctx context.Context, records []telemetry.Record) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		err := s.insertErr
		s.insertErr = nil
		return store.InsertResult{}, err
	}
	var result store.InsertResult
	for _, rec := range records {
		switch {
		case s.dupSeqs[rec.Seq]:
			result.Duplicates++
		case s.failSeqs[rec.Seq]:
			result.Failed = append(result.Failed, rec)
		default:
			s.records = append(s.records, rec)
			result.Inserted++
		}
	}
	return result, nil
}

func (s *fakeSeqStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSeqStore) failNextAlloc(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocErr = err
}

func (s *fakeSeqStore) failNextInsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *fakeSeqStore) rejectSeq(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSeqs[seq] = true
}

func (s *fakeSeqStore) duplicateSeq(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dupSeqs[seq] = true
}

func (s *fakeSeqStore) setPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *fakeSeqStore) stored() []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Record(nil), s.records...)
}

func (s *fakeSeqStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestIngester(clk clock.Clock) (*ingester, *fakeIngestQueue, *fakeSeqStore) {
	q := newFakeIngestQueue()
	st := newFakeSeqStore()
	ing := newIngester(ingesterConfig{
		Logger: testLogger(),
		Clock:  clk,
		Queue:  q,
		Store:  st,
	})
	return ing, q, st
}
