// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package sio implements the subset of Engine.IO v3 and Socket.IO v2
// that Sonde devices and dashboards speak: plaintext packets over
// WebSocket or XHR polling, the polling-to-websocket probe upgrade,
// client-initiated heartbeats, and JSON event frames on the default
// namespace. Binary attachments, acks, and custom namespaces are not
// supported; frames using them are logged and dropped.
//
// Server accepts connections and hands each session to a Handler as a
// Socket. Handler callbacks for one Socket run on a single goroutine,
// so per-session state needs no locking as long as only callbacks
// touch it. Emit never blocks: packets to a client that stops reading
// are counted and dropped rather than wedging the caller.
//
// Client is a websocket-only counterpart used by the device simulator
// and by gateway tests.
package sio
