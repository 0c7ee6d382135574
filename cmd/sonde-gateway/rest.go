// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sonde-io/sonde/lib/store"
	"github.com/sonde-io/sonde/lib/telemetry"
	"github.com/sonde-io/sonde/lib/version"
)

// healthProbeTimeout bounds the dependency pings behind /health.
const healthProbeTimeout = 2 * time.Second

// commandEvents maps REST command names to the event frames devices
// understand.
var commandEvents = map[string]string{
	"setThreshold": "/threshold/set",
	"stop":         "/stop",
	"start":        "/start",
	"reset":        "/reset",
}

// routes builds the gateway's HTTP surface. The socket server mounts
// under /socket.io; passing nil skips the mount so the REST handlers
// can be exercised alone.
func (g *gateway) routes(sioServer http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if sioServer != nil {
		r.Handle("/socket.io", sioServer)
		r.Handle("/socket.io/*", sioServer)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/nodes", g.handleNodes)
		r.Get("/series/{nodeID}", g.handleSeries)
		r.Get("/latest/{nodeID}", g.handleLatest)
		r.Get("/sync/{nodeID}", g.handleSync)
		r.Get("/metrics/{nodeID}", g.handleMetrics)
		r.Post("/command/{nodeID}", g.handleCommand)
	})
	r.Get("/health", g.handleHealth)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// optionalInt parses a query parameter that is either absent or an
// integer. Empty means unset.
func optionalInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (g *gateway) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.registry.snapshot())
}

// handleSeries serves a historical window: a time range or a seq
// range, exactly one of the two.
func (g *gateway) handleSeries(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	q := r.URL.Query()

	var bounds [4]int64
	for i, name := range []string{"fromTs", "toTs", "fromSeq", "toSeq"} {
		v, err := optionalInt(q.Get(name))
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be an integer")
			return
		}
		bounds[i] = v
	}
	fromTS, toTS, fromSeq, toSeq := bounds[0], bounds[1], bounds[2], bounds[3]

	hasTime := fromTS > 0 || toTS > 0
	hasSeq := fromSeq > 0 || toSeq > 0
	if hasTime == hasSeq {
		writeError(w, http.StatusBadRequest,
			"exactly one of a time range (fromTs/toTs) and a seq range (fromSeq/toSeq) is required")
		return
	}

	// A malformed limit falls back to the store default rather than
	// failing the query.
	limit, _ := strconv.ParseInt(q.Get("limit"), 10, 64)

	records, err := g.store.Series(r.Context(), store.SeriesFilter{
		NodeID:  nodeID,
		FromTS:  fromTS,
		ToTS:    toTS,
		FromSeq: fromSeq,
		ToSeq:   toSeq,
		Limit:   limit,
	})
	if err != nil {
		g.logger.Error("series query failed", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "series query failed")
		return
	}
	if records == nil {
		records = []telemetry.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (g *gateway) handleLatest(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	record, err := g.store.Latest(r.Context(), nodeID)
	if err != nil {
		g.logger.Error("latest query failed", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "latest query failed")
		return
	}
	// A node with no records yet serves JSON null.
	writeJSON(w, http.StatusOK, record)
}

func (g *gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	lastSeq, err := strconv.ParseInt(r.URL.Query().Get("lastSeq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lastSeq must be an integer")
		return
	}
	records, err := g.store.SyncSince(r.Context(), nodeID, lastSeq)
	if err != nil {
		g.logger.Error("sync query failed", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "sync query failed")
		return
	}
	if records == nil {
		records = []telemetry.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (g *gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	m, err := g.queue.NodeMetrics(r.Context(), nodeID)
	if err != nil {
		g.logger.Error("metrics read failed", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "metrics read failed")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type commandRequest struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// handleCommand forwards a control command to a connected device. The
// data field, when present, is passed through verbatim as the event
// argument.
func (g *gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a command field")
		return
	}
	event, ok := commandEvents[req.Command]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Command))
		return
	}

	dev, ok := g.registry.device(nodeID)
	if !ok || dev.socketClosed() {
		writeError(w, http.StatusNotFound, "node is not connected")
		return
	}

	var err error
	if len(req.Data) > 0 {
		err = dev.emit(event, req.Data)
	} else {
		err = dev.emit(event)
	}
	if err != nil {
		g.logger.Error("command emit failed", "node_id", nodeID, "command", req.Command, "error", err)
		writeError(w, http.StatusInternalServerError, "command could not be sent")
		return
	}

	g.logger.Info("command dispatched", "node_id", nodeID, "command", req.Command, "event", event)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func probeResult(err error) string {
	if err != nil {
		return "unreachable"
	}
	return "ok"
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	redisErr := g.queue.Ping(ctx)
	mongoErr := g.store.Ping(ctx)
	if redisErr != nil {
		g.logger.Warn("health probe failed for redis", "error", redisErr)
	}
	if mongoErr != nil {
		g.logger.Warn("health probe failed for mongo", "error", mongoErr)
	}

	status, code := "ok", http.StatusOK
	if redisErr != nil || mongoErr != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       version.Info(),
		"uptimeSeconds": int64(g.clk.Now().Sub(g.startedAt).Seconds()),
		"nodes":         g.registry.nodeCount(),
		"clients":       g.hub.clientCount(),
		"redis":         probeResult(redisErr),
		"mongo":         probeResult(mongoErr),
	})
}
