// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sonde-io/sonde/lib/clock"
	"github.com/sonde-io/sonde/lib/telemetry"
)

// connKind is the identification state of one socket.
type connKind int

const (
	// connPending sockets are inside the identification window.
	connPending connKind = iota

	// connPassive sockets let the window lapse; a /save still
	// promotes them to a node.
	connPassive

	connNode
	connClient
)

// conn tracks one socket from connect to disconnect.
type conn struct {
	socket deviceSocket
	kind   connKind
	nodeID string
	timer  clock.Timer
}

// registry is the gateway's view of who is connected: every socket's
// identification state plus the per-node device entries.
//
// Thread-safe. Lock order is registry.mu before device.mu; no device
// method calls back into the registry.
type registry struct {
	logger        *slog.Logger
	clk           clock.Clock
	identifyAfter time.Duration

	mu      sync.Mutex
	conns   map[string]*conn
	devices map[string]*device
}

func newRegistry(logger *slog.Logger, clk clock.Clock, identifyAfter time.Duration) *registry {
	return &registry{
		logger:        logger,
		clk:           clk,
		identifyAfter: identifyAfter,
		conns:         make(map[string]*conn),
		devices:       make(map[string]*device),
	}
}

// track starts following a socket and arms its identification timer.
func (r *registry) track(s deviceSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.ID()
	c := &conn{socket: s, kind: connPending}
	c.timer = r.clk.AfterFunc(r.identifyAfter, func() { r.expire(id) })
	r.conns[id] = c
}

// expire moves a still-pending socket to the passive state. The
// socket stays open; only the default disposition changes.
func (r *registry) expire(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[socketID]
	if !ok || c.kind != connPending {
		return
	}
	c.kind = connPassive
	c.timer = nil
	r.logger.Debug("socket passed the identification window unidentified", "sid", socketID)
}

// identifyNode binds a socket to a node id, creating the device entry
// or taking over an existing one (a reconnect under a new socket id
// overwrites; there is no session fencing). isNew reports whether the
// node was not connected before, which is what gates the
// node:connected broadcast. Duplicate identifies from the same socket
// only merge metadata.
func (r *registry) identifyNode(s deviceSocket, nodeID string, metadata map[string]any) (dev *device, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[s.ID()]
	if !ok {
		// Disconnect won the race; don't resurrect the entry.
		return nil, false
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.kind == connNode {
		if c.nodeID == nodeID {
			if dev, ok := r.devices[nodeID]; ok {
				dev.mergeMetadata(metadata)
				return dev, false
			}
		} else {
			r.logger.Warn("socket re-identified under a different node id",
				"sid", s.ID(), "old_node_id", c.nodeID, "node_id", nodeID)
		}
	}
	c.kind = connNode
	c.nodeID = nodeID

	now := r.clk.Now().UnixMilli()
	dev, existed := r.devices[nodeID]
	if existed {
		dev.rebind(s, now)
	} else {
		dev = newDevice(nodeID, s, now)
		r.devices[nodeID] = dev
	}
	dev.mergeMetadata(metadata)
	return dev, !existed
}

// identifyClient marks the socket as a dashboard.
func (r *registry) identifyClient(s deviceSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[s.ID()]
	if !ok {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.kind = connClient
}

// canAutoIdentify reports whether a /save frame may promote the
// socket to a node: true while pending or passive.
func (r *registry) canAutoIdentify(socketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[socketID]
	return ok && (c.kind == connPending || c.kind == connPassive)
}

// nodeForSocket returns the device a socket is identified as.
func (r *registry) nodeForSocket(socketID string) (*device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[socketID]
	if !ok || c.kind != connNode {
		return nil, false
	}
	dev, ok := r.devices[c.nodeID]
	return dev, ok
}

// device returns the entry for a node id.
func (r *registry) device(nodeID string) (*device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[nodeID]
	return dev, ok
}

// remove forgets a socket. If it was the active socket of a node, the
// device entry is removed and returned so the caller can run the
// final flush and broadcast. A device whose entry was taken over by a
// reconnect is not returned; the node is still connected.
func (r *registry) remove(socketID string) (*device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[socketID]
	if !ok {
		return nil, false
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	delete(r.conns, socketID)
	if c.kind != connNode {
		return nil, false
	}
	dev, ok := r.devices[c.nodeID]
	if !ok || dev.currentSocketID() != socketID {
		return nil, false
	}
	delete(r.devices, c.nodeID)
	return dev, true
}

// snapshot returns the connected nodes, ordered by node id.
func (r *registry) snapshot() []telemetry.Node {
	r.mu.Lock()
	devices := make([]*device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	r.mu.Unlock()

	nodes := make([]telemetry.Node, 0, len(devices))
	for _, dev := range devices {
		nodes = append(nodes, dev.node())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes
}

// allDevices returns every connected device, for the shutdown drain.
func (r *registry) allDevices() []*device {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices := make([]*device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	return devices
}

func (r *registry) nodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
