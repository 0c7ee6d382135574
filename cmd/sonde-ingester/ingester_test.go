// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sonde-io/sonde/lib/clock"
	"github.com/sonde-io/sonde/lib/testutil"
)

func TestFullBatchFlushesWithoutTimer(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	ing, q, st := newTestIngester(clk)
	q.push("esp-1", batchEntries(t, "esp-1", 1000, batchSize)...)

	ing.discover(context.Background())
	waitFor(t, 5*time.Second, func() bool { return ing.activeLoops() == 0 },
		"drain loop did not finish")

	if got := st.count(); got != batchSize {
		t.Errorf("stored %d records, want %d", got, batchSize)
	}
	if n := q.queueLen("esp-1"); n != 0 {
		t.Errorf("queue holds %d entries, want 0", n)
	}
	// A full batch flushes on size alone; no flush timer and no poll
	// wait should ever have been armed.
	if n := clk.PendingCount(); n != 0 {
		t.Errorf("%d clock waiters pending after drain, want 0", n)
	}
	if flushes := q.flushed(); len(flushes) != 1 {
		t.Errorf("RecordFlush called %d times, want 1", len(flushes))
	}
}

func TestPartialBatchFlushedByTimer(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	ing, q, st := newTestIngester(clk)
	// One short of a full batch: size alone must not flush this.
	q.push("esp-1", batchEntries(t, "esp-1", 1000, batchSize-1)...)

	ing.discover(context.Background())

	// The loop arms the flush timer and parks on its poll wait.
	clk.WaitForTimers(2)
	if got := st.count(); got != 0 {
		t.Fatalf("stored %d records before the flush interval elapsed, want 0", got)
	}

	clk.Advance(flushInterval)

	records := st.stored()
	if len(records) != batchSize-1 {
		t.Fatalf("stored %d records after the flush interval, want %d", len(records), batchSize-1)
	}
	for i, rec := range records {
		if want := int64(i + 1); rec.Seq != want {
			t.Errorf("record %d: seq %d, want %d", i, rec.Seq, want)
		}
	}
	if n := q.queueLen("esp-1"); n != 0 {
		t.Errorf("queue holds %d entries, want 0", n)
	}

	// The loop wakes from its poll wait, finds the queue drained, and
	// releases the node.
	waitFor(t, 5*time.Second, func() bool {
		clk.Advance(pollInterval)
		return ing.activeLoops() == 0
	}, "loop did not release after the drain")
}

func TestSingleLoopPerNode(t *testing.T) {
	ing, q, st := newTestIngester(clock.NewFake(testEpoch))
	q.gate = make(chan struct{})
	q.popStarted = make(chan string, 2)
	q.push("esp-1", batchEntries(t, "esp-1", 1000, batchSize)...)
	ctx := context.Background()

	ing.startLoop(ctx, "esp-1")
	testutil.RequireReceive(t, q.popStarted, 5*time.Second, "waiting for the first pop")
	if n := ing.activeLoops(); n != 1 {
		t.Fatalf("activeLoops = %d, want 1", n)
	}

	// Rescans of a node with a live loop must not start another.
	ing.startLoop(ctx, "esp-1")
	ing.discover(ctx)
	if n := ing.activeLoops(); n != 1 {
		t.Fatalf("activeLoops after rescan = %d, want 1", n)
	}

	close(q.gate)
	waitFor(t, 5*time.Second, func() bool { return ing.activeLoops() == 0 },
		"loop did not finish after the gate opened")

	if flushes := q.flushed(); len(flushes) != 1 {
		t.Errorf("RecordFlush called %d times, want 1", len(flushes))
	}
	if got := st.count(); got != batchSize {
		t.Errorf("stored %d records, want %d", got, batchSize)
	}
}

func TestRunRediscoversReleasedNodes(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	ing, q, st := newTestIngester(clk)
	q.push("esp-1", batchEntries(t, "esp-1", 1000, batchSize)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ing.run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return st.count() == batchSize },
		"initial discovery did not flush")
	waitFor(t, 5*time.Second, func() bool { return ing.activeLoops() == 0 },
		"drained loop did not release")

	// A refilled queue is picked up by the next scan, and its seqs
	// continue where the first batch stopped.
	q.push("esp-1", batchEntries(t, "esp-1", 5000, batchSize)...)
	clk.Advance(discoveryInterval)
	waitFor(t, 5*time.Second, func() bool { return st.count() == 2*batchSize },
		"rescan did not flush the refilled queue")

	records := st.stored()
	if got, want := records[len(records)-1].Seq, int64(2*batchSize); got != want {
		t.Errorf("last seq = %d, want %d", got, want)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for run to return")
}

func TestRestartContinuesSequences(t *testing.T) {
	q := newFakeIngestQueue()
	st := newFakeSeqStore()
	first := newIngester(ingesterConfig{
		Logger: testLogger(), Clock: clock.NewFake(testEpoch), Queue: q, Store: st,
	})
	q.push("esp-1", batchEntries(t, "esp-1", 1000, batchSize)...)
	first.discover(context.Background())
	waitFor(t, 5*time.Second, func() bool { return st.count() == batchSize },
		"first ingester did not drain")

	// The queue and the counter outlive the process. A fresh ingester
	// over the same backends extends the sequence without a gap.
	q.push("esp-1", batchEntries(t, "esp-1", 5000, batchSize)...)
	second := newIngester(ingesterConfig{
		Logger: testLogger(), Clock: clock.NewFake(testEpoch), Queue: q, Store: st,
	})
	second.discover(context.Background())
	waitFor(t, 5*time.Second, func() bool { return st.count() == 2*batchSize },
		"restarted ingester did not drain the backlog")

	for i, rec := range st.stored() {
		if want := int64(i + 1); rec.Seq != want {
			t.Fatalf("record %d: seq %d, want %d", i, rec.Seq, want)
		}
	}
}

func TestPerNodeSequencesAreIndependent(t *testing.T) {
	ing, q, st := newTestIngester(clock.NewFake(testEpoch))
	q.push("esp-1", batchEntries(t, "esp-1", 1000, batchSize)...)
	q.push("esp-2", batchEntries(t, "esp-2", 2000, batchSize)...)

	ing.discover(context.Background())
	waitFor(t, 5*time.Second, func() bool { return st.count() == 2*batchSize },
		"both nodes should drain")

	// Allocation is per node: each sequence starts at 1.
	seen := map[string]int64{}
	for _, rec := range st.stored() {
		if want := seen[rec.NodeID] + 1; rec.Seq != want {
			t.Errorf("node %s: seq %d, want %d", rec.NodeID, rec.Seq, want)
		}
		seen[rec.NodeID] = rec.Seq
	}
	if len(seen) != 2 {
		t.Errorf("records span %d nodes, want 2", len(seen))
	}
}

func getHealth(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer res.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	return res.StatusCode, body
}

func TestHealthEndpoint(t *testing.T) {
	ing, q, st := newTestIngester(clock.NewFake(testEpoch))
	ts := httptest.NewServer(ing.healthRoutes())
	defer ts.Close()

	code, body := getHealth(t, ts.URL+"/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" || body["redis"] != "ok" || body["mongo"] != "ok" {
		t.Errorf("healthy body = %v", body)
	}
	if body["activeLoops"] != float64(0) {
		t.Errorf("activeLoops = %v, want 0", body["activeLoops"])
	}
	if v, ok := body["version"].(string); !ok || v == "" {
		t.Errorf("version = %v, want a non-empty string", body["version"])
	}

	q.setPingErr(errors.New("redis down"))
	code, body = getHealth(t, ts.URL+"/health")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status with redis down = %d, want 503", code)
	}
	if body["status"] != "degraded" || body["redis"] != "unreachable" || body["mongo"] != "ok" {
		t.Errorf("degraded body = %v", body)
	}

	q.setPingErr(nil)
	st.setPingErr(errors.New("mongo down"))
	code, body = getHealth(t, ts.URL+"/health")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status with mongo down = %d, want 503", code)
	}
	if body["mongo"] != "unreachable" || body["redis"] != "ok" {
		t.Errorf("degraded body = %v", body)
	}
}
