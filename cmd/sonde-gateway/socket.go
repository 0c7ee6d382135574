// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sonde-io/sonde/lib/clock"
	"github.com/sonde-io/sonde/lib/queue"
	"github.com/sonde-io/sonde/lib/sio"
	"github.com/sonde-io/sonde/lib/store"
	"github.com/sonde-io/sonde/lib/telemetry"
)

const (
	// identifyTimeout is how long a fresh socket may stay silent before
	// it is reclassified as a passive client.
	identifyTimeout = 3 * time.Second

	// flushTimeout bounds one buffer handoff to the queue.
	flushTimeout = 5 * time.Second
)

// deviceSocket is the slice of sio.Socket the gateway uses. Tests
// substitute fakes.
type deviceSocket interface {
	ID() string
	Emit(name string, args ...any) error
	Close()
	Closed() <-chan struct{}
	Dropped() int64
}

// readingQueue is the queue surface the flusher writes to.
type readingQueue interface {
	Append(ctx context.Context, nodeID string, readings []telemetry.Reading) error
}

// gatewayQueue adds the REST and health surfaces on top of the
// flusher's.
type gatewayQueue interface {
	readingQueue
	NodeMetrics(ctx context.Context, nodeID string) (queue.Metrics, error)
	Ping(ctx context.Context) error
}

// recordStore is the store surface the REST API reads from.
type recordStore interface {
	Series(ctx context.Context, filter store.SeriesFilter) ([]telemetry.Record, error)
	Latest(ctx context.Context, nodeID string) (*telemetry.Record, error)
	SyncSince(ctx context.Context, nodeID string, lastSeq int64) ([]telemetry.Record, error)
	Ping(ctx context.Context) error
}

// gateway ties the socket server, registry, hub, flusher, and REST API
// together. It is the sio.Handler for the ingress server.
type gateway struct {
	logger     *slog.Logger
	clk        clock.Clock
	bufferSize int

	registry *registry
	hub      *hub
	flusher  *flusher
	queue    gatewayQueue
	store    recordStore

	startedAt time.Time
}

type gatewayConfig struct {
	Logger     *slog.Logger
	Clock      clock.Clock
	Queue      gatewayQueue
	Store      recordStore
	BufferSize int
}

func newGateway(cfg gatewayConfig) *gateway {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	g := &gateway{
		logger:     cfg.Logger,
		clk:        cfg.Clock,
		bufferSize: cfg.BufferSize,
		queue:      cfg.Queue,
		store:      cfg.Store,
		startedAt:  cfg.Clock.Now(),
	}
	g.registry = newRegistry(cfg.Logger, cfg.Clock, identifyTimeout)
	g.hub = newHub(cfg.Logger)
	g.flusher = &flusher{queue: cfg.Queue, logger: cfg.Logger, timeout: flushTimeout}
	return g
}

func (g *gateway) HandleConnect(s *sio.Socket) { g.connect(s) }

func (g *gateway) HandleEvent(s *sio.Socket, name string, args []json.RawMessage) {
	g.event(s, name, args)
}

func (g *gateway) HandleDisconnect(s *sio.Socket, reason string) { g.disconnect(s, reason) }

func (g *gateway) connect(s deviceSocket) {
	g.registry.track(s)
	g.logger.Debug("socket connected", "sid", s.ID())
}

func (g *gateway) event(s deviceSocket, name string, args []json.RawMessage) {
	switch name {
	case "identify":
		g.handleIdentify(s, args)
	case "/save":
		g.handleSave(s, args)
	case "data":
		g.handleData(s, args)
	case "bulk:data":
		g.handleBulk(s, args)
	case "subscribe", "unsubscribe":
		var room string
		if len(args) == 0 || json.Unmarshal(args[0], &room) != nil || room == "" {
			g.logger.Debug("subscription event without a room", "sid", s.ID(), "event", name)
			return
		}
		if name == "subscribe" {
			g.hub.subscribe(s.ID(), room)
		} else {
			g.hub.unsubscribe(s.ID(), room)
		}
	default:
		g.logger.Debug("unhandled event", "sid", s.ID(), "event", name)
	}
}

// identifyFrame is the explicit identification payload. Devices send
// nodeId (older firmware: deviceId); dashboards send type "client".
type identifyFrame struct {
	Type     string         `json:"type"`
	NodeID   string         `json:"nodeId"`
	DeviceID string         `json:"deviceId"`
	Metadata map[string]any `json:"metadata"`
}

func (g *gateway) handleIdentify(s deviceSocket, args []json.RawMessage) {
	var frame identifyFrame
	if len(args) == 0 || json.Unmarshal(args[0], &frame) != nil {
		g.logger.Warn("malformed identify frame", "sid", s.ID())
		s.Close()
		return
	}

	if frame.Type == "client" {
		g.registry.identifyClient(s)
		g.hub.addClient(s)
		if err := s.Emit("nodes:list", g.registry.snapshot()); err != nil {
			g.logger.Debug("nodes:list not delivered", "sid", s.ID(), "error", err)
		}
		g.logger.Info("client identified", "sid", s.ID())
		return
	}

	nodeID := frame.NodeID
	if nodeID == "" {
		nodeID = frame.DeviceID
	}
	if nodeID == "" {
		g.logger.Warn("identify frame names no node", "sid", s.ID())
		s.Close()
		return
	}

	dev, isNew := g.registry.identifyNode(s, nodeID, frame.Metadata)
	if dev == nil {
		return
	}
	g.logger.Info("node identified", "sid", s.ID(), "node_id", nodeID)
	if isNew {
		g.announceNode(dev)
	}
}

func (g *gateway) announceNode(dev *device) {
	node := dev.node()
	g.hub.broadcast("node:connected", map[string]any{
		"nodeId":   node.NodeID,
		"metadata": node.Metadata,
	})
}

// handleSave accepts an ESP32 /save frame. Sockets that never sent an
// identify frame are identified here from the data itself: the
// payload's deviceId if present, otherwise a name derived from the
// socket id.
func (g *gateway) handleSave(s deviceSocket, args []json.RawMessage) {
	if len(args) == 0 {
		g.logger.Warn("save frame without payload", "sid", s.ID())
		return
	}
	payload, err := telemetry.DecodePayload(args[0])
	if err != nil {
		g.logger.Warn("undecodable save payload", "sid", s.ID(), "error", err)
		return
	}

	dev, ok := g.registry.nodeForSocket(s.ID())
	if !ok {
		if !g.registry.canAutoIdentify(s.ID()) {
			g.logger.Warn("save frame from unidentifiable socket", "sid", s.ID())
			return
		}
		nodeID, _ := payload["deviceId"].(string)
		if nodeID == "" {
			nodeID = "ESP32_" + s.ID()[:8]
		}
		var isNew bool
		dev, isNew = g.registry.identifyNode(s, nodeID, map[string]any{"autoIdentified": true})
		if dev == nil {
			return
		}
		g.logger.Info("node auto-identified from data stream", "sid", s.ID(), "node_id", nodeID)
		if isNew {
			g.announceNode(dev)
		}
	}

	g.acceptReading(dev, telemetry.NewSaveReading(dev.nodeID, g.clk.Now().UnixMilli(), payload))
}

func (g *gateway) handleData(s deviceSocket, args []json.RawMessage) {
	dev, ok := g.registry.nodeForSocket(s.ID())
	if !ok {
		g.logger.Warn("data event from unidentified socket", "sid", s.ID())
		return
	}
	if len(args) == 0 {
		return
	}
	payload, err := telemetry.DecodePayload(args[0])
	if err != nil {
		g.logger.Warn("undecodable data payload", "node_id", dev.nodeID, "error", err)
		return
	}
	g.acceptReading(dev, telemetry.NewLegacyReading(dev.nodeID, g.clk.Now().UnixMilli(), payload))
}

// handleBulk accepts an array of payloads in one frame, preserving
// their order. Malformed entries are skipped, not fatal to the batch.
func (g *gateway) handleBulk(s deviceSocket, args []json.RawMessage) {
	dev, ok := g.registry.nodeForSocket(s.ID())
	if !ok {
		g.logger.Warn("bulk:data event from unidentified socket", "sid", s.ID())
		return
	}
	if len(args) == 0 {
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(args[0], &items); err != nil {
		g.logger.Warn("bulk:data payload is not an array", "node_id", dev.nodeID, "error", err)
		return
	}
	now := g.clk.Now().UnixMilli()
	for _, item := range items {
		payload, err := telemetry.DecodePayload(item)
		if err != nil {
			g.logger.Warn("skipping undecodable bulk entry", "node_id", dev.nodeID, "error", err)
			continue
		}
		g.acceptReading(dev, telemetry.NewLegacyReading(dev.nodeID, now, payload))
	}
}

// acceptReading buffers a reading, mirrors it to live clients, and
// flushes when the buffer hits the threshold. The flush runs on the
// socket's event goroutine, so a device's readings reach the queue in
// arrival order.
func (g *gateway) acceptReading(dev *device, r telemetry.Reading) {
	full := dev.append(r, g.bufferSize)
	g.hub.broadcast("data:live", r)
	if full {
		g.flusher.flush(dev)
	}
}

func (g *gateway) disconnect(s deviceSocket, reason string) {
	if n := s.Dropped(); n > 0 {
		g.logger.Warn("socket dropped frames before disconnect", "sid", s.ID(), "dropped", n)
	}
	g.hub.removeClient(s.ID())
	dev, wasNode := g.registry.remove(s.ID())
	if !wasNode {
		g.logger.Debug("socket disconnected", "sid", s.ID(), "reason", reason)
		return
	}
	g.flusher.flush(dev)
	g.hub.broadcast("node:disconnected", map[string]any{"nodeId": dev.nodeID})
	g.logger.Info("node disconnected", "node_id", dev.nodeID, "sid", s.ID(), "reason", reason)
}

// drainAll flushes every device buffer. Called at shutdown after the
// socket server has closed, so no new readings race the drain.
func (g *gateway) drainAll() {
	for _, dev := range g.registry.allDevices() {
		g.flusher.flush(dev)
	}
}
