// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sonde-io/sonde/lib/version"
)

// healthProbeTimeout bounds the dependency pings behind /health.
const healthProbeTimeout = 2 * time.Second

// healthRoutes builds the ingester's HTTP surface: a single health
// endpoint for probes and dashboards.
func (ing *ingester) healthRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", ing.handleHealth)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func probeResult(err error) string {
	if err != nil {
		return "unreachable"
	}
	return "ok"
}

func (ing *ingester) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	redisErr := ing.queue.Ping(ctx)
	mongoErr := ing.store.Ping(ctx)
	if redisErr != nil {
		ing.logger.Warn("health probe failed for redis", "error", redisErr)
	}
	if mongoErr != nil {
		ing.logger.Warn("health probe failed for mongo", "error", mongoErr)
	}

	status, code := "ok", http.StatusOK
	if redisErr != nil || mongoErr != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       version.Info(),
		"uptimeSeconds": int64(ing.clk.Now().Sub(ing.startedAt).Seconds()),
		"activeLoops":   ing.activeLoops(),
		"redis":         probeResult(redisErr),
		"mongo":         probeResult(mongoErr),
	})
}
