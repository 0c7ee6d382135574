// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/sonde-io/sonde/lib/telemetry"
)

const (
	timeseriesCollection = "timeseries"
	countersCollection   = "counters"

	// duplicateKeyCode is the MongoDB write-error code for a unique
	// index violation.
	duplicateKeyCode = 11000

	// maxLimit caps Series result sizes; it is also the default when
	// the caller leaves Limit unset.
	maxLimit = 1000
)

// Client talks to the MongoDB instance holding the timeseries and
// counters collections. Safe for concurrent use.
type Client struct {
	client     *mongo.Client
	timeseries *mongo.Collection
	counters   *mongo.Collection
}

// Config configures a Client.
type Config struct {
	// URI is the connection string. Required.
	URI string

	// Database holds the timeseries and counters collections.
	// Required.
	Database string
}

// Connect creates a Client. The driver connects lazily; use Ping to
// verify reachability before serving.
func Connect(ctx context.Context, config Config) (*Client, error) {
	if config.URI == "" {
		return nil, errors.New("store.Client: URI is required")
	}
	if config.Database == "" {
		return nil, errors.New("store.Client: Database is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", config.URI, err)
	}
	db := client.Database(config.Database)
	return &Client{
		client:     client,
		timeseries: db.Collection(timeseriesCollection),
		counters:   db.Collection(countersCollection),
	}, nil
}

// Close releases the driver's connection pool.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Ping probes the primary.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	return nil
}

// EnsureIndexes creates the timeseries indexes: {nodeId, ts} for time
// windows and the unique {nodeId, seq} that makes duplicate sequence
// writes impossible. Idempotent; the ingester calls it at startup.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	_, err := c.timeseries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "nodeId", Value: 1}, {Key: "ts", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "nodeId", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("creating timeseries indexes: %w", err)
	}
	return nil
}

// counterDoc mirrors the counters collection: one document per node,
// seq holding the highest sequence ever allocated.
type counterDoc struct {
	NodeID string `bson:"_id"`
	Seq    int64  `bson:"seq"`
}

// AllocateSeqRange atomically reserves count sequence numbers for a
// node and returns the new top. The caller's range is
// [top-count+1, top]. The first allocation for a node upserts its
// counter, so ranges start at 1. Atomicity is server-side
// (findAndModify), which keeps ranges dense across ingester restarts.
func (c *Client) AllocateSeqRange(ctx context.Context, nodeID string, count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("allocating seq range for %s: non-positive count %d", nodeID, count)
	}
	result := c.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": nodeID},
		bson.M{"$inc": bson.M{"seq": int64(count)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc counterDoc
	if err := result.Decode(&doc); err != nil {
		return 0, fmt.Errorf("allocating %d seqs for %s: %w", count, nodeID, err)
	}
	return doc.Seq, nil
}

// InsertResult reports the outcome of an unordered bulk insert.
type InsertResult struct {
	// Inserted is the number of records actually written.
	Inserted int

	// Duplicates counts unique-index violations. A duplicate means the
	// (nodeId, seq) pair is already stored, so the record needs no
	// dead-lettering.
	Duplicates int

	// Failed holds the records rejected for any other reason, in batch
	// order, for the caller to dead-letter.
	Failed []telemetry.Record
}

// InsertRecords bulk-inserts records with unordered semantics, so one
// rejected document cannot abort its siblings. Per-document failures
// are reported in the result, not as an error; the returned error is
// reserved for whole-batch failures (nothing written).
func (c *Client) InsertRecords(ctx context.Context, records []telemetry.Record) (InsertResult, error) {
	if len(records) == 0 {
		return InsertResult{}, nil
	}
	docs := make([]interface{}, len(records))
	for i, record := range records {
		docs[i] = record
	}
	_, err := c.timeseries.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return InsertResult{Inserted: len(records)}, nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) {
		return InsertResult{}, fmt.Errorf("bulk insert of %d records: %w", len(records), err)
	}

	result := InsertResult{Inserted: len(records) - len(bulkErr.WriteErrors)}
	for _, writeErr := range bulkErr.WriteErrors {
		if writeErr.Index < 0 || writeErr.Index >= len(records) {
			continue
		}
		if writeErr.Code == duplicateKeyCode {
			result.Duplicates++
			continue
		}
		result.Failed = append(result.Failed, records[writeErr.Index])
	}
	return result, nil
}

// SeriesFilter selects a historical window for one node. At most one
// of the time range and the seq range may be set; bounds are
// inclusive, zero means unbounded on that side. Limit defaults to
// 1000 and is clamped to [1, 1000].
type SeriesFilter struct {
	NodeID  string
	FromTS  int64
	ToTS    int64
	FromSeq int64
	ToSeq   int64
	Limit   int64
}

// seriesQuery translates the filter into the Mongo query document.
func seriesQuery(filter SeriesFilter) bson.M {
	query := bson.M{"nodeId": filter.NodeID}
	if filter.FromTS > 0 || filter.ToTS > 0 {
		ts := bson.M{}
		if filter.FromTS > 0 {
			ts["$gte"] = filter.FromTS
		}
		if filter.ToTS > 0 {
			ts["$lte"] = filter.ToTS
		}
		query["ts"] = ts
	}
	if filter.FromSeq > 0 || filter.ToSeq > 0 {
		seq := bson.M{}
		if filter.FromSeq > 0 {
			seq["$gte"] = filter.FromSeq
		}
		if filter.ToSeq > 0 {
			seq["$lte"] = filter.ToSeq
		}
		query["seq"] = seq
	}
	return query
}

// clampLimit applies the Series limit policy: unset or out-of-range
// values become the 1000 default.
func clampLimit(limit int64) int64 {
	if limit < 1 || limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Series returns the node's records in the filter window, ordered by
// seq ascending.
func (c *Client) Series(ctx context.Context, filter SeriesFilter) ([]telemetry.Record, error) {
	cursor, err := c.timeseries.Find(ctx, seriesQuery(filter),
		options.Find().
			SetSort(bson.D{{Key: "seq", Value: 1}}).
			SetLimit(clampLimit(filter.Limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("querying series for %s: %w", filter.NodeID, err)
	}
	var records []telemetry.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decoding series for %s: %w", filter.NodeID, err)
	}
	return records, nil
}

// Latest returns the node's record with the highest seq, or nil when
// the node has no records.
func (c *Client) Latest(ctx context.Context, nodeID string) (*telemetry.Record, error) {
	var record telemetry.Record
	err := c.timeseries.FindOne(ctx,
		bson.M{"nodeId": nodeID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest for %s: %w", nodeID, err)
	}
	return &record, nil
}

// SyncSince returns every record with seq > lastSeq for the node,
// ordered by seq ascending. Sequences are allocated densely, so the
// result exactly fills a dashboard's observed gap.
func (c *Client) SyncSince(ctx context.Context, nodeID string, lastSeq int64) ([]telemetry.Record, error) {
	cursor, err := c.timeseries.Find(ctx,
		bson.M{"nodeId": nodeID, "seq": bson.M{"$gt": lastSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("querying sync for %s: %w", nodeID, err)
	}
	var records []telemetry.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decoding sync for %s: %w", nodeID, err)
	}
	return records, nil
}
