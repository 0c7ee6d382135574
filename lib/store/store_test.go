// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sonde-io/sonde/lib/telemetry"
	"github.com/sonde-io/sonde/lib/testutil"
)

func TestSeriesQuery(t *testing.T) {
	q := seriesQuery(SeriesFilter{NodeID: "ESP32_A"})
	if len(q) != 1 || q["nodeId"] != "ESP32_A" {
		t.Errorf("bare filter query = %v", q)
	}

	q = seriesQuery(SeriesFilter{NodeID: "ESP32_A", FromTS: 1000, ToTS: 2000})
	ts, ok := q["ts"].(bson.M)
	if !ok {
		t.Fatalf("time filter produced no ts clause: %v", q)
	}
	if ts["$gte"] != int64(1000) || ts["$lte"] != int64(2000) {
		t.Errorf("ts clause = %v", ts)
	}
	if _, ok := q["seq"]; ok {
		t.Errorf("time filter produced a seq clause: %v", q)
	}

	q = seriesQuery(SeriesFilter{NodeID: "ESP32_A", FromSeq: 10})
	seq, ok := q["seq"].(bson.M)
	if !ok {
		t.Fatalf("seq filter produced no seq clause: %v", q)
	}
	if seq["$gte"] != int64(10) {
		t.Errorf("seq clause = %v", seq)
	}
	if _, ok := seq["$lte"]; ok {
		t.Errorf("open upper bound got a $lte: %v", seq)
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{0, 1000},
		{-5, 1000},
		{1, 1},
		{500, 500},
		{1000, 1000},
		{5000, 1000},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.in); got != tc.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// testStore connects to the MongoDB named by SONDE_TEST_MONGO or
// skips. Each test gets its own database, dropped at cleanup.
func testStore(t *testing.T) *Client {
	t.Helper()
	uri := os.Getenv("SONDE_TEST_MONGO")
	if uri == "" {
		t.Skip("SONDE_TEST_MONGO not set; skipping MongoDB integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Connect(ctx, Config{URI: uri, Database: testutil.UniqueID("sonde-test")})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := c.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.timeseries.Database().Drop(ctx); err != nil {
			t.Errorf("dropping test database: %v", err)
		}
		c.Close(ctx)
	})
	return c
}

func TestAllocateSeqRange(t *testing.T) {
	c := testStore(t)
	ctx := context.Background()
	node := testutil.UniqueID("node")

	top, err := c.AllocateSeqRange(ctx, node, 150)
	if err != nil {
		t.Fatalf("AllocateSeqRange: %v", err)
	}
	if top != 150 {
		t.Errorf("first allocation top = %d, want 150 (ranges start at 1)", top)
	}

	top, err = c.AllocateSeqRange(ctx, node, 7)
	if err != nil {
		t.Fatalf("AllocateSeqRange: %v", err)
	}
	if top != 157 {
		t.Errorf("second allocation top = %d, want 157 (no gaps)", top)
	}

	// Another node's counter is independent.
	top, err = c.AllocateSeqRange(ctx, testutil.UniqueID("node"), 3)
	if err != nil {
		t.Fatalf("AllocateSeqRange: %v", err)
	}
	if top != 3 {
		t.Errorf("fresh node top = %d, want 3", top)
	}

	if _, err := c.AllocateSeqRange(ctx, node, 0); err == nil {
		t.Error("AllocateSeqRange accepted count 0")
	}
}

func insertSpan(t *testing.T, c *Client, node string, fromSeq, count int) {
	t.Helper()
	records := make([]telemetry.Record, count)
	for i := range records {
		seq := int64(fromSeq + i)
		records[i] = telemetry.Record{
			Reading: telemetry.NewSaveReading(node, seq*1000, map[string]any{"current": float64(seq)}),
			Seq:     seq,
		}
	}
	result, err := c.InsertRecords(context.Background(), records)
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if result.Inserted != count || result.Duplicates != 0 || len(result.Failed) != 0 {
		t.Fatalf("InsertRecords = %+v, want %d clean inserts", result, count)
	}
}

func TestInsertAndQuery(t *testing.T) {
	c := testStore(t)
	ctx := context.Background()
	node := testutil.UniqueID("node")

	insertSpan(t, c, node, 1, 10)

	records, err := c.Series(ctx, SeriesFilter{NodeID: node})
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("Series returned %d records, want 10", len(records))
	}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			t.Fatalf("records out of order: index %d has seq %d", i, rec.Seq)
		}
	}

	records, err = c.Series(ctx, SeriesFilter{NodeID: node, FromTS: 3000, ToTS: 5000})
	if err != nil {
		t.Fatalf("Series by time: %v", err)
	}
	if len(records) != 3 || records[0].TS != 3000 || records[2].TS != 5000 {
		t.Errorf("time window returned %d records (%+v)", len(records), records)
	}

	records, err = c.Series(ctx, SeriesFilter{NodeID: node, FromSeq: 8, Limit: 2})
	if err != nil {
		t.Fatalf("Series by seq: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 8 || records[1].Seq != 9 {
		t.Errorf("seq window returned %+v", records)
	}

	latest, err := c.Latest(ctx, node)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Seq != 10 {
		t.Errorf("Latest = %+v, want seq 10", latest)
	}

	latest, err = c.Latest(ctx, testutil.UniqueID("node"))
	if err != nil {
		t.Fatalf("Latest on empty node: %v", err)
	}
	if latest != nil {
		t.Errorf("Latest on empty node = %+v, want nil", latest)
	}
}

func TestSyncSince(t *testing.T) {
	c := testStore(t)
	ctx := context.Background()
	node := testutil.UniqueID("node")

	insertSpan(t, c, node, 1, 12)

	records, err := c.SyncSince(ctx, node, 7)
	if err != nil {
		t.Fatalf("SyncSince: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("SyncSince returned %d records, want 5", len(records))
	}
	if records[0].Seq != 8 || records[4].Seq != 12 {
		t.Errorf("SyncSince window = seq %d..%d, want 8..12", records[0].Seq, records[4].Seq)
	}

	records, err = c.SyncSince(ctx, node, 12)
	if err != nil {
		t.Fatalf("SyncSince caught-up: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("caught-up sync returned %d records", len(records))
	}
}

func TestInsertDuplicates(t *testing.T) {
	c := testStore(t)
	node := testutil.UniqueID("node")

	insertSpan(t, c, node, 1, 5)

	// Replay seqs 4..5 alongside new seqs 6..7. The unique index
	// rejects the replays; everything else lands.
	records := make([]telemetry.Record, 4)
	for i := range records {
		seq := int64(4 + i)
		records[i] = telemetry.Record{
			Reading: telemetry.NewSaveReading(node, seq*1000, map[string]any{"current": float64(seq)}),
			Seq:     seq,
		}
	}
	result, err := c.InsertRecords(context.Background(), records)
	if err != nil {
		t.Fatalf("InsertRecords with duplicates: %v", err)
	}
	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", result.Inserted)
	}
	if result.Duplicates != 2 {
		t.Errorf("Duplicates = %d, want 2", result.Duplicates)
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %+v, want none (duplicates are not failures)", result.Failed)
	}

	latest, err := c.Latest(context.Background(), node)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Seq != 7 {
		t.Errorf("Latest after partial insert = %+v, want seq 7", latest)
	}
}
