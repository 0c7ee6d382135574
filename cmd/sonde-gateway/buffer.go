// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sonde-io/sonde/lib/telemetry"
)

// device is the in-memory state of one connected node: its identity,
// its reading buffer, and the single-flight flush bits. The socket's
// event goroutine appends; flushes may also come from REST-free paths
// (disconnect, shutdown drain), so everything is behind the mutex.
type device struct {
	nodeID string

	mu          sync.Mutex
	socket      deviceSocket
	socketID    string
	connectedAt int64
	lastDataAt  int64
	metadata    map[string]any
	buffer      []telemetry.Reading
	flushing    bool
	pending     bool
}

func newDevice(nodeID string, s deviceSocket, now int64) *device {
	return &device{
		nodeID:      nodeID,
		socket:      s,
		socketID:    s.ID(),
		connectedAt: now,
		metadata:    make(map[string]any),
	}
}

// rebind points the entry at a new socket after a reconnect. The
// buffer survives: readings accepted through the old socket still
// flush under this node id.
func (d *device) rebind(s deviceSocket, now int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.socket = s
	d.socketID = s.ID()
	d.connectedAt = now
}

func (d *device) currentSocketID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socketID
}

func (d *device) mergeMetadata(metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range metadata {
		d.metadata[k] = v
	}
}

// append accepts one reading: stamp lastDataAt, buffer it, and report
// whether the buffer reached the flush threshold.
func (d *device) append(r telemetry.Reading, threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastDataAt = r.TS
	d.buffer = append(d.buffer, r)
	return len(d.buffer) >= threshold
}

func (d *device) bufferLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// emit sends an event to whatever socket currently backs the device.
func (d *device) emit(name string, args ...any) error {
	d.mu.Lock()
	s := d.socket
	d.mu.Unlock()
	return s.Emit(name, args...)
}

// socketClosed reports whether the device's current socket is gone.
func (d *device) socketClosed() bool {
	d.mu.Lock()
	s := d.socket
	d.mu.Unlock()
	select {
	case <-s.Closed():
		return true
	default:
		return false
	}
}

// node snapshots the registry view of the device.
func (d *device) node() telemetry.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	metadata := make(map[string]any, len(d.metadata))
	for k, v := range d.metadata {
		metadata[k] = v
	}
	return telemetry.Node{
		NodeID:      d.nodeID,
		SocketID:    d.socketID,
		ConnectedAt: d.connectedAt,
		LastDataAt:  d.lastDataAt,
		Metadata:    metadata,
	}
}

// flusher moves device buffers into the durable queue. At most one
// flush runs per device; a flush requested while one is in flight is
// remembered and runs immediately after.
type flusher struct {
	queue   readingQueue
	logger  *slog.Logger
	timeout time.Duration
}

// flush drains the device's buffer to the queue. It snapshots the
// buffer under the device lock, appends outside it, and on success
// removes exactly the snapshotted prefix, so readings accepted during
// the append are kept. A failed append retains the buffer for the
// next trigger.
//
// The append runs on its own detached timeout rather than a request
// or process context: once a flush starts, shutdown should not turn
// queueable readings into lost ones.
func (f *flusher) flush(d *device) {
	d.mu.Lock()
	if d.flushing {
		d.pending = true
		d.mu.Unlock()
		return
	}
	d.flushing = true
	d.mu.Unlock()

	for {
		d.mu.Lock()
		d.pending = false
		batch := make([]telemetry.Reading, len(d.buffer))
		copy(batch, d.buffer)
		d.mu.Unlock()

		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			err := f.queue.Append(ctx, d.nodeID, batch)
			cancel()
			if err != nil {
				f.logger.Warn("flush failed, buffer retained",
					"node_id", d.nodeID, "count", len(batch), "error", err)
				d.mu.Lock()
				d.flushing = false
				d.mu.Unlock()
				return
			}
			d.mu.Lock()
			d.buffer = append(d.buffer[:0:0], d.buffer[len(batch):]...)
			d.mu.Unlock()
			f.logger.Debug("flushed device buffer", "node_id", d.nodeID, "count", len(batch))
		}

		d.mu.Lock()
		if !d.pending {
			d.flushing = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}
