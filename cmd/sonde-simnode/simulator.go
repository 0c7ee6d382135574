// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sonde-io/sonde/lib/clock"
	"github.com/sonde-io/sonde/lib/sio"
)

// maxCurrent clamps the simulated load to [0, maxCurrent] amps.
const maxCurrent = 50.0

// gatewaySession is the client surface the simulator drives. Tests
// substitute fakes.
type gatewaySession interface {
	Emit(name string, args ...any) error
	Events() <-chan sio.Event
	Closed() <-chan struct{}
}

// simulator produces a random-walk current trace and reacts to
// gateway commands the way device firmware does. /stop pauses
// reporting without pausing sampling, so min/max/avg stay honest
// across the pause.
type simulator struct {
	logger   *slog.Logger
	clk      clock.Clock
	deviceID string
	interval time.Duration

	mu        sync.Mutex
	running   bool
	threshold float64
	current   float64
	min       float64
	max       float64
	sum       float64
	count     int64
}

type simulatorConfig struct {
	Logger    *slog.Logger
	Clock     clock.Clock
	DeviceID  string
	Interval  time.Duration
	Threshold float64
}

func newSimulator(cfg simulatorConfig) *simulator {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &simulator{
		logger:    cfg.Logger,
		clk:       cfg.Clock,
		deviceID:  cfg.DeviceID,
		interval:  cfg.Interval,
		running:   true,
		threshold: cfg.Threshold,
		current:   10,
	}
}

// run reports readings until ctx ends or the session drops. The first
// reading goes out immediately, the rest on the interval.
func (s *simulator) run(ctx context.Context, session gatewaySession) error {
	s.report(session)

	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Closed():
			return errors.New("gateway closed the session")
		case ev, ok := <-session.Events():
			if !ok {
				return errors.New("gateway closed the session")
			}
			s.handleCommand(ev)
		case <-ticker.Chan():
			s.report(session)
		}
	}
}

// report samples the walk and, when reporting is on, emits the /save
// frame. A failed emit is left to the session teardown: the Closed
// channel ends the run loop.
func (s *simulator) report(session gatewaySession) {
	s.step()
	if !s.isRunning() {
		return
	}
	if err := session.Emit("/save", s.payload()); err != nil {
		s.logger.Warn("reading not sent", "error", err)
	}
}

// step advances the walk one sample and folds it into the stats
// window.
func (s *simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current += rand.Float64()*2 - 1
	if s.current < 0 {
		s.current = 0
	}
	if s.current > maxCurrent {
		s.current = maxCurrent
	}
	if s.count == 0 || s.current < s.min {
		s.min = s.current
	}
	if s.count == 0 || s.current > s.max {
		s.max = s.current
	}
	s.sum += s.current
	s.count++
}

// payload builds the /save frame body. The deviceId field is what the
// gateway auto-identifies the node from.
func (s *simulator) payload() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.count > 0 {
		avg = s.sum / float64(s.count)
	}
	return map[string]any{
		"deviceId":  s.deviceID,
		"current":   round2(s.current),
		"min":       round2(s.min),
		"max":       round2(s.max),
		"avg":       round2(avg),
		"threshold": s.threshold,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *simulator) handleCommand(ev sio.Event) {
	switch ev.Name {
	case "/stop":
		s.setRunning(false)
		s.logger.Info("reporting stopped")
	case "/start":
		s.setRunning(true)
		s.logger.Info("reporting started")
	case "/reset":
		s.reset()
		s.logger.Info("stats window reset")
	case "/threshold/set":
		var arg struct {
			Threshold float64 `json:"threshold"`
		}
		if len(ev.Args) == 0 || json.Unmarshal(ev.Args[0], &arg) != nil {
			s.logger.Warn("malformed threshold command")
			return
		}
		s.setThreshold(arg.Threshold)
		s.logger.Info("threshold set", "threshold", arg.Threshold)
	default:
		s.logger.Debug("ignoring event", "event", ev.Name)
	}
}

func (s *simulator) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

func (s *simulator) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *simulator) setThreshold(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = v
}

// reset clears the stats window. The walk keeps its position.
func (s *simulator) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.min, s.max, s.sum, s.count = 0, 0, 0, 0
}
