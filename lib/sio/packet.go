// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package sio

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Engine.IO v3 packet type bytes. Every packet on the wire starts
// with one of these.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO v2 packet type bytes, carried in the body of an Engine.IO
// message packet.
const (
	sioConnect    = '0'
	sioDisconnect = '1'
	sioEvent      = '2'
)

// Fully-assembled packets and fragments used when writing.
const (
	packetClose      = "1"
	packetNoop       = "6"
	packetConnect    = "40" // message + namespace connect
	packetDisconnect = "41" // message + namespace disconnect
	probePing        = "2probe"
	probePong        = "3probe"
	packetUpgrade    = "5"
)

// Session close reasons, matching the strings Socket.IO clients
// report.
const (
	reasonTransportClose = "transport close"
	reasonPingTimeout    = "ping timeout"
	reasonClientClose    = "client namespace disconnect"
	reasonServerClose    = "server namespace disconnect"
)

// Event is one decoded Socket.IO event frame: a name and the raw JSON
// of each argument. Arguments stay encoded so handlers can pick their
// own types.
type Event struct {
	Name string
	Args []json.RawMessage
}

// handshake is the JSON body of the Engine.IO open packet.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

// encodeOpen builds the open packet announcing a new session.
func encodeOpen(sid string, upgrades []string, pingInterval, pingTimeout time.Duration) string {
	data, _ := json.Marshal(handshake{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: pingInterval.Milliseconds(),
		PingTimeout:  pingTimeout.Milliseconds(),
	})
	return "0" + string(data)
}

// decodeOpen parses an open packet received by a client.
func decodeOpen(pkt string) (handshake, error) {
	if len(pkt) == 0 || pkt[0] != eioOpen {
		return handshake{}, fmt.Errorf("expected open packet, got %.40q", pkt)
	}
	var h handshake
	if err := json.Unmarshal([]byte(pkt[1:]), &h); err != nil {
		return handshake{}, fmt.Errorf("parsing handshake: %w", err)
	}
	if h.SID == "" {
		return handshake{}, errors.New("handshake carries no sid")
	}
	return h, nil
}

// encodeEvent builds a "42" event packet. Arguments may be any
// JSON-encodable values, including json.RawMessage.
func encodeEvent(name string, args ...any) (string, error) {
	elems := make([]any, 0, len(args)+1)
	elems = append(elems, name)
	elems = append(elems, args...)
	data, err := json.Marshal(elems)
	if err != nil {
		return "", fmt.Errorf("encoding %s event: %w", name, err)
	}
	return "42" + string(data), nil
}

// decodeEvent parses the body of an event frame, everything after the
// "42". Clients can prefix the argument array with an ack id; we skip
// it since acks are not supported.
func decodeEvent(body string) (Event, error) {
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	if i == len(body) || body[i] != '[' {
		return Event{}, fmt.Errorf("event frame has no argument array: %.40q", body)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(body[i:]), &elems); err != nil {
		return Event{}, fmt.Errorf("parsing event arguments: %w", err)
	}
	if len(elems) == 0 {
		return Event{}, errors.New("event frame has no name")
	}
	var name string
	if err := json.Unmarshal(elems[0], &name); err != nil {
		return Event{}, fmt.Errorf("parsing event name: %w", err)
	}
	return Event{Name: name, Args: elems[1:]}, nil
}
