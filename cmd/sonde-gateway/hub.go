// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"sync"
)

// hub fans events out to dashboard clients. Every client receives
// broadcasts; rooms exist so clients can scope future subscriptions,
// and membership is tracked even though broadcasts currently go to
// everyone, matching the firehose the dashboards expect.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]deviceSocket
	rooms   map[string]map[string]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[string]deviceSocket),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (h *hub) addClient(s deviceSocket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[s.ID()] = s
}

func (h *hub) removeClient(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, socketID)
	for room, members := range h.rooms {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *hub) subscribe(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[socketID]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[socketID] = struct{}{}
}

func (h *hub) unsubscribe(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// broadcast emits an event to every connected client. Sockets are
// snapshotted under the lock and emitted to outside it; a slow client
// drops frames in its own queue rather than stalling the hub.
func (h *hub) broadcast(event string, payload any) {
	h.mu.Lock()
	targets := make([]deviceSocket, 0, len(h.clients))
	for _, s := range h.clients {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.Emit(event, payload); err != nil {
			h.logger.Debug("broadcast skipped closed client", "socket_id", s.ID(), "event", event)
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
