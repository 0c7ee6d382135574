// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sonde-io/sonde/lib/telemetry"
)

const (
	metricsPrefix = "metrics:"
	dlqPrefix     = "dlq:node:"

	// metricsTTL is the retention window for per-node flush metrics.
	metricsTTL = 24 * time.Hour
)

// Client talks to the Redis instance holding the per-node queues.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config configures a Client.
type Config struct {
	// Addr is the host:port of the Redis instance. Required.
	Addr string

	// Password authenticates when non-empty.
	Password string

	// Prefix is the queue key prefix ("queue:node:"). Required.
	Prefix string
}

// New creates a Client. Connection establishment is lazy; use Ping to
// probe reachability.
func New(config Config) *Client {
	if config.Addr == "" {
		panic("queue.Client: Addr is required")
	}
	if config.Prefix == "" {
		panic("queue.Client: Prefix is required")
	}
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
		}),
		prefix: config.Prefix,
	}
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping probes the server.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Key returns the queue key for a node.
func (c *Client) Key(nodeID string) string { return c.prefix + nodeID }

// nodeFromKey recovers the node id from a scanned queue key.
func (c *Client) nodeFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, c.prefix) {
		return "", false
	}
	return key[len(c.prefix):], true
}

// Append pushes the readings, in order, onto the tail of the node's
// queue as one RPUSH. All entries land atomically; none land on error,
// so the caller's buffer stays intact for retry.
func (c *Client) Append(ctx context.Context, nodeID string, readings []telemetry.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	entries := make([]interface{}, len(readings))
	for i, r := range readings {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding reading %d for %s: %w", i, nodeID, err)
		}
		entries[i] = data
	}
	if err := c.rdb.RPush(ctx, c.Key(nodeID), entries...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", c.Key(nodeID), err)
	}
	return nil
}

// Len returns the queue length for a node. A missing key is length 0.
func (c *Client) Len(ctx context.Context, nodeID string) (int64, error) {
	n, err := c.rdb.LLen(ctx, c.Key(nodeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", c.Key(nodeID), err)
	}
	return n, nil
}

// PopBatch removes and returns up to n entries from the head of the
// node's queue, in FIFO order. An empty or missing queue yields nil.
func (c *Client) PopBatch(ctx context.Context, nodeID string, n int) ([]string, error) {
	entries, err := c.rdb.LPopCount(ctx, c.Key(nodeID), n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("lpop %s: %w", c.Key(nodeID), err)
	}
	return entries, nil
}

// RequeueHead pushes already-encoded entries back onto the head of
// the node's queue, preserving their original order. Used to undo a
// PopBatch whose flush could not allocate sequence numbers.
func (c *Client) RequeueHead(ctx context.Context, nodeID string, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	// LPUSH prepends each value in turn, so pushing in reverse leaves
	// entries[0] at the head.
	values := make([]interface{}, len(entries))
	for i, e := range entries {
		values[len(entries)-1-i] = e
	}
	if err := c.rdb.LPush(ctx, c.Key(nodeID), values...).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", c.Key(nodeID), err)
	}
	return nil
}

// Nodes scans for queue keys and returns the node ids that currently
// have a queue. Order is unspecified.
func (c *Client) Nodes(ctx context.Context) ([]string, error) {
	var nodes []string
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if nodeID, ok := c.nodeFromKey(iter.Val()); ok {
			nodes = append(nodes, nodeID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s*: %w", c.prefix, err)
	}
	return nodes, nil
}

// PushDeadLetter appends already-encoded entries to the node's
// dead-letter list. Entries are Record JSON carrying their allocated
// seqs so replay can restore sequence density.
func (c *Client) PushDeadLetter(ctx context.Context, nodeID string, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, len(entries))
	for i, e := range entries {
		values[i] = e
	}
	if err := c.rdb.RPush(ctx, dlqPrefix+nodeID, values...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", dlqPrefix+nodeID, err)
	}
	return nil
}

// Metrics is the per-node flush accounting kept under a 24h TTL.
type Metrics struct {
	// TotalRecords counts records written for the node within the
	// TTL window.
	TotalRecords int64 `json:"totalRecords"`

	// LastFlush is the wall-clock ms of the most recent ingester
	// flush, 0 when the hash is absent.
	LastFlush int64 `json:"lastFlush"`
}

// RecordFlush accounts one ingester flush: bump totalRecords by count,
// stamp lastFlush, refresh the TTL. One pipelined round trip.
func (c *Client) RecordFlush(ctx context.Context, nodeID string, count int, at time.Time) error {
	key := metricsPrefix + nodeID
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "totalRecords", int64(count))
	pipe.HSet(ctx, key, "lastFlush", at.UnixMilli())
	pipe.Expire(ctx, key, metricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	return nil
}

// NodeMetrics reads a node's metrics hash. A node with no hash (never
// flushed, or TTL expired) yields zero values.
func (c *Client) NodeMetrics(ctx context.Context, nodeID string) (Metrics, error) {
	fields, err := c.rdb.HGetAll(ctx, metricsPrefix+nodeID).Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("hgetall %s: %w", metricsPrefix+nodeID, err)
	}
	return parseMetrics(fields), nil
}

// parseMetrics converts the raw hash. Unparseable fields read as zero
// rather than failing the whole query.
func parseMetrics(fields map[string]string) Metrics {
	var m Metrics
	if v, err := strconv.ParseInt(fields["totalRecords"], 10, 64); err == nil {
		m.TotalRecords = v
	}
	if v, err := strconv.ParseInt(fields["lastFlush"], 10, 64); err == nil {
		m.LastFlush = v
	}
	return m
}
