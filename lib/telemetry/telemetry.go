// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the measurement types that flow through
// the pipeline: the Reading accepted at the gateway, the sequenced
// Record persisted by the ingester, and the Node entry the gateway
// exposes to dashboards. The JSON field names are the wire format for
// the durable queue, the socket events, and the REST responses, so
// they must not change.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reading sources.
const (
	// SourceESP32 marks readings normalized from a /save frame.
	SourceESP32 = "esp32"

	// SourceSocketIO marks readings from the legacy data and
	// bulk:data events.
	SourceSocketIO = "socketio"
)

// Meta records where a Reading came from.
type Meta struct {
	Source      string `json:"source" bson:"source"`
	RawDeviceID string `json:"rawDeviceId,omitempty" bson:"rawDeviceId,omitempty"`
}

// Reading is one in-flight measurement: accepted by the gateway,
// buffered, queued, not yet sequenced. Payload is an open bag of
// metrics (typically min/max/avg/current) carried opaquely to the
// store.
type Reading struct {
	NodeID  string         `json:"nodeId" bson:"nodeId"`
	TS      int64          `json:"ts" bson:"ts"`
	Payload map[string]any `json:"payload" bson:"payload"`
	Meta    Meta           `json:"meta" bson:"meta"`
}

// Validate reports whether the Reading is usable by the ingester.
// Queue entries that fail validation are dropped as malformed.
func (r *Reading) Validate() error {
	if r.NodeID == "" {
		return errors.New("reading has no nodeId")
	}
	if r.TS <= 0 {
		return fmt.Errorf("reading for %s has non-positive ts %d", r.NodeID, r.TS)
	}
	return nil
}

// Record is a persisted Reading with its per-node sequence number.
// (nodeId, seq) is unique in the store; seqs are dense from 1.
type Record struct {
	Reading `bson:",inline"`
	Seq     int64 `json:"seq" bson:"seq"`
}

// Node is the gateway's registry view of a connected device, sent in
// nodes:list snapshots and returned by /api/nodes.
type Node struct {
	NodeID      string         `json:"nodeId"`
	SocketID    string         `json:"socketId"`
	ConnectedAt int64          `json:"connectedAt"`
	LastDataAt  int64          `json:"lastDataAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewSaveReading normalizes a /save payload: source "esp32", with the
// frame's own deviceId preserved as rawDeviceId when present.
func NewSaveReading(nodeID string, ts int64, payload map[string]any) Reading {
	meta := Meta{Source: SourceESP32}
	if raw, ok := payload["deviceId"].(string); ok {
		meta.RawDeviceID = raw
	}
	return Reading{NodeID: nodeID, TS: ts, Payload: payload, Meta: meta}
}

// NewLegacyReading normalizes a data / bulk:data payload: source
// "socketio".
func NewLegacyReading(nodeID string, ts int64, payload map[string]any) Reading {
	return Reading{NodeID: nodeID, TS: ts, Payload: payload, Meta: Meta{Source: SourceSocketIO}}
}

// DecodePayload accepts the two shapes devices send for /save: a JSON
// object, or a JSON string containing a JSON object (firmware that
// double-encodes). Anything else is an error.
func DecodePayload(raw json.RawMessage) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload == nil {
			return nil, errors.New("payload is null")
		}
		return payload, nil
	}

	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("payload is neither object nor string: %w", err)
	}
	if err := json.Unmarshal([]byte(wrapped), &payload); err != nil {
		return nil, fmt.Errorf("string payload does not contain a JSON object: %w", err)
	}
	return payload, nil
}
