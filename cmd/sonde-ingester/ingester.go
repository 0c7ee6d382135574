// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sonde-io/sonde/lib/clock"
	"github.com/sonde-io/sonde/lib/store"
	"github.com/sonde-io/sonde/lib/telemetry"
)

const (
	// batchSize is the ingest batch target, fixed by the pipeline
	// contract shared with the gateway and the dashboards.
	batchSize = 150

	// flushInterval flushes part-filled queues that never reach a
	// full batch.
	flushInterval = 2 * time.Second

	// pollInterval is the per-node queue recheck cadence.
	pollInterval = 500 * time.Millisecond

	// discoveryInterval is the SCAN cadence for node queues.
	discoveryInterval = time.Second
)

// ingestQueue is the queue surface the ingester drains. Tests
// substitute fakes.
type ingestQueue interface {
	Nodes(ctx context.Context) ([]string, error)
	Len(ctx context.Context, nodeID string) (int64, error)
	PopBatch(ctx context.Context, nodeID string, n int) ([]string, error)
	RequeueHead(ctx context.Context, nodeID string, entries []string) error
	PushDeadLetter(ctx context.Context, nodeID string, entries []string) error
	RecordFlush(ctx context.Context, nodeID string, count int, at time.Time) error
	Ping(ctx context.Context) error
}

// sequencedStore is the store surface the ingester writes through.
type sequencedStore interface {
	AllocateSeqRange(ctx context.Context, nodeID string, count int) (int64, error)
	InsertRecords(ctx context.Context, records []telemetry.Record) (store.InsertResult, error)
	Ping(ctx context.Context) error
}

// ingester owns discovery and the per-node drain loops. One loop per
// node at a time; the presence map is what makes the per-node
// sequence allocation safe.
type ingester struct {
	logger *slog.Logger
	clk    clock.Clock
	queue  ingestQueue
	store  sequencedStore

	mu         sync.Mutex
	processing map[string]bool

	wg        sync.WaitGroup
	startedAt time.Time
}

type ingesterConfig struct {
	Logger *slog.Logger
	Clock  clock.Clock
	Queue  ingestQueue
	Store  sequencedStore
}

func newIngester(cfg ingesterConfig) *ingester {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &ingester{
		logger:     cfg.Logger,
		clk:        cfg.Clock,
		queue:      cfg.Queue,
		store:      cfg.Store,
		processing: make(map[string]bool),
		startedAt:  cfg.Clock.Now(),
	}
}

// run scans for node queues until ctx ends, then waits for the active
// loops to wind down. In-flight flushes finish on their own detached
// timeouts; the queue is durable, so backlog left behind survives the
// restart.
func (ing *ingester) run(ctx context.Context) {
	ticker := ing.clk.NewTicker(discoveryInterval)
	defer ticker.Stop()

	ing.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			ing.wg.Wait()
			return
		case <-ticker.Chan():
			ing.discover(ctx)
		}
	}
}

// discover scans for node queues and starts a drain loop for every
// node that does not have one.
func (ing *ingester) discover(ctx context.Context) {
	nodes, err := ing.queue.Nodes(ctx)
	if err != nil {
		ing.logger.Warn("queue discovery failed", "error", err)
		return
	}
	for _, nodeID := range nodes {
		ing.startLoop(ctx, nodeID)
	}
}

func (ing *ingester) startLoop(ctx context.Context, nodeID string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.processing[nodeID] {
		return
	}
	ing.processing[nodeID] = true
	ing.wg.Add(1)

	l := &nodeLoop{nodeID: nodeID, ing: ing}
	go l.run(ctx)
}

// release clears a node's presence marker so a later scan can restart
// its loop.
func (ing *ingester) release(nodeID string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	delete(ing.processing, nodeID)
}

func (ing *ingester) activeLoops() int {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return len(ing.processing)
}

// nodeLoop drains one node's queue. The presence map guarantees at
// most one instance per node, which in turn keeps that node's
// sequence allocation ordered with its inserts.
type nodeLoop struct {
	nodeID string
	ing    *ingester

	// flushMu serializes flushes between the drain loop and the
	// one-shot flush timer.
	flushMu sync.Mutex

	// timerMu guards the armed flush timer.
	timerMu sync.Mutex
	timer   clock.Timer
}

func (l *nodeLoop) run(ctx context.Context) {
	defer l.ing.wg.Done()
	defer l.ing.release(l.nodeID)
	defer l.cancelTimer()

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := l.ing.queue.Len(ctx, l.nodeID)
		if err != nil {
			l.ing.logger.Warn("queue length check failed", "node_id", l.nodeID, "error", err)
			l.wait(ctx)
			continue
		}
		switch {
		case n == 0:
			// Drained. Exiting releases the marker; the scanner
			// restarts the loop when entries show up again.
			return
		case n >= batchSize:
			l.flush()
		default:
			l.armTimer()
			l.wait(ctx)
		}
	}
}

// wait sleeps one poll interval, cut short by shutdown.
func (l *nodeLoop) wait(ctx context.Context) {
	select {
	case <-l.ing.clk.After(pollInterval):
	case <-ctx.Done():
	}
}

// armTimer schedules the time-based flush for a part-filled queue. A
// timer already pending keeps its original deadline.
func (l *nodeLoop) armTimer() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.timer != nil {
		return
	}
	l.timer = l.ing.clk.AfterFunc(flushInterval, func() {
		l.timerMu.Lock()
		l.timer = nil
		l.timerMu.Unlock()
		l.flush()
	})
}

func (l *nodeLoop) cancelTimer() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
