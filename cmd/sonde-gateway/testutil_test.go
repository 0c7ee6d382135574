// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sonde-io/sonde/lib/queue"
	"github.com/sonde-io/sonde/lib/store"
	"github.com/sonde-io/sonde/lib/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReading(nodeID string, ts int64) telemetry.Reading {
	return telemetry.NewLegacyReading(nodeID, ts, map[string]any{"current": float64(ts % 100)})
}

// waitFor polls cond until it holds or the deadline passes. Used where
// the observed effect runs on another goroutine with no channel to
// wait on.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

type emittedEvent struct {
	name string
	args []json.RawMessage
}

// fakeSocket implements deviceSocket for handler tests. Emits are
// recorded with their marshaled arguments. IDs must be at least eight
// characters; auto-identification derives node names from them.
type fakeSocket struct {
	id string

	mu      sync.Mutex
	events  []emittedEvent
	closed  chan struct{}
	once    sync.Once
	dropped int64
}

func newFakeSocket(id string) *fakeSocket {
	if len(id) < 8 {
		panic("fakeSocket ids must be at least 8 characters")
	}
	return &fakeSocket{id: id, closed: make(chan struct{})}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Emit(name string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{name: name, args: raw})
	return nil
}

func (f *fakeSocket) Close()                  { f.once.Do(func() { close(f.closed) }) }
func (f *fakeSocket) Closed() <-chan struct{} { return f.closed }
func (f *fakeSocket) Dropped() int64          { return f.dropped }

func (f *fakeSocket) emitted() []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emittedEvent(nil), f.events...)
}

func (f *fakeSocket) lastEvent(t *testing.T) emittedEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatalf("no events emitted on socket %s", f.id)
	}
	return f.events[len(f.events)-1]
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeQueue records appended readings per node. gate, when set before
// use, blocks Append until released; appendStarted reports each entry
// into Append. Both exist to probe the single-flight flush path.
type fakeQueue struct {
	gate          chan struct{}
	appendStarted chan string

	mu         sync.Mutex
	appends    map[string][][]telemetry.Reading
	appendErr  error
	metrics    map[string]queue.Metrics
	metricsErr error
	pingErr    error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		appends: make(map[string][][]telemetry.Reading),
		metrics: make(map[string]queue.Metrics),
	}
}

func (f *fakeQueue) Append(ctx context.Context, nodeID string, readings []telemetry.Reading) error {
	if f.appendStarted != nil {
		f.appendStarted <- nodeID
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		err := f.appendErr
		f.appendErr = nil
		return err
	}
	batch := append([]telemetry.Reading(nil), readings...)
	f.appends[nodeID] = append(f.appends[nodeID], batch)
	return nil
}

func (f *fakeQueue) NodeMetrics(ctx context.Context, nodeID string) (queue.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metricsErr != nil {
		return queue.Metrics{}, f.metricsErr
	}
	return f.metrics[nodeID], nil
}

func (f *fakeQueue) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeQueue) failNextAppend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

func (f *fakeQueue) setMetrics(nodeID string, m queue.Metrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[nodeID] = m
}

func (f *fakeQueue) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeQueue) batches(nodeID string) [][]telemetry.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]telemetry.Reading(nil), f.appends[nodeID]...)
}

func (f *fakeQueue) totalReadings(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, batch := range f.appends[nodeID] {
		n += len(batch)
	}
	return n
}

// fakeStore serves canned query results and records the arguments it
// was asked with.
type fakeStore struct {
	mu          sync.Mutex
	records     []telemetry.Record
	latest      *telemetry.Record
	lastFilter  store.SeriesFilter
	lastSyncArg struct {
		nodeID  string
		lastSeq int64
	}
	queryErr error
	pingErr  error
}

func (f *fakeStore) Series(ctx context.Context, filter store.SeriesFilter) ([]telemetry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.records, nil
}

func (f *fakeStore) Latest(ctx context.Context, nodeID string) (*telemetry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.latest, nil
}

func (f *fakeStore) SyncSince(ctx context.Context, nodeID string, lastSeq int64) ([]telemetry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSyncArg.nodeID = nodeID
	f.lastSyncArg.lastSeq = lastSeq
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.records, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) setRecords(records []telemetry.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *fakeStore) setLatest(r *telemetry.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = r
}

func (f *fakeStore) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeStore) seriesFilter() store.SeriesFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFilter
}

func (f *fakeStore) syncArgs() (string, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSyncArg.nodeID, f.lastSyncArg.lastSeq
}
