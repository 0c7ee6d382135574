// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package sio

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sonde-io/sonde/lib/clock"
)

const (
	// outboundCapacity bounds the per-session outgoing packet queue.
	// A client that stops draining loses packets past this point.
	outboundCapacity = 64

	// inboundCapacity bounds decoded events waiting for the dispatch
	// goroutine. Transports block here, which backpressures a device
	// that outruns its handler.
	inboundCapacity = 32
)

// Socket is one connected session. The server creates it at handshake
// and passes it to every Handler callback for that session.
//
// Thread-safe: Emit, Close, ID, Closed, and Dropped may be called
// from any goroutine.
type Socket struct {
	id  string
	srv *Server

	out        chan string
	inbound    chan Event
	closed     chan struct{}
	upgradedCh chan struct{}

	dropped atomic.Int64

	mu       sync.Mutex
	parked   bool // a polling GET is waiting on out
	upgraded bool // websocket is the active transport
	watchdog clock.Timer
	reason   string

	closeOnce sync.Once
}

func newSocket(srv *Server) *Socket {
	s := &Socket{
		id:         uuid.NewString(),
		srv:        srv,
		out:        make(chan string, outboundCapacity),
		inbound:    make(chan Event, inboundCapacity),
		closed:     make(chan struct{}),
		upgradedCh: make(chan struct{}),
	}
	// The namespace connect frame is the first packet after the
	// handshake, queued before any handler can Emit.
	s.send(packetConnect)

	// A session that never sends anything is reaped after the connect
	// timeout; traffic switches the watchdog to the heartbeat window.
	s.mu.Lock()
	s.watchdog = srv.clk.AfterFunc(srv.connectTimeout, func() {
		s.closeWith(reasonPingTimeout)
	})
	s.mu.Unlock()
	return s
}

// ID returns the session id assigned at handshake.
func (s *Socket) ID() string { return s.id }

// Closed is closed when the session ends, whatever the cause.
func (s *Socket) Closed() <-chan struct{} { return s.closed }

// Dropped reports how many outgoing packets were discarded because
// the client stopped draining.
func (s *Socket) Dropped() int64 { return s.dropped.Load() }

// Emit queues an event for the client. It never blocks; if the
// outgoing queue is full the packet is dropped and counted.
func (s *Socket) Emit(name string, args ...any) error {
	pkt, err := encodeEvent(name, args...)
	if err != nil {
		return err
	}
	s.send(pkt)
	return nil
}

// Close disconnects the client: a namespace disconnect frame followed
// by transport teardown. Safe to call repeatedly.
func (s *Socket) Close() {
	s.send(packetDisconnect)
	s.closeWith(reasonServerClose)
}

// send queues a packet without blocking.
func (s *Socket) send(pkt string) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.out <- pkt:
	default:
		s.dropped.Add(1)
	}
}

// drainOut empties the outgoing queue without blocking.
func (s *Socket) drainOut() []string {
	var packets []string
	for {
		select {
		case pkt := <-s.out:
			packets = append(packets, pkt)
		default:
			return packets
		}
	}
}

// enqueueEvent hands a decoded event to the dispatch goroutine.
func (s *Socket) enqueueEvent(ev Event) {
	select {
	case s.inbound <- ev:
	case <-s.closed:
	}
}

// touch re-arms the liveness watchdog. Called for every packet the
// client sends; heartbeats are client-initiated in Engine.IO v3, so
// silence past pingInterval+pingTimeout means the client is gone.
func (s *Socket) touch() {
	select {
	case <-s.closed:
		return
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdog = s.srv.clk.AfterFunc(s.srv.pingInterval+s.srv.pingTimeout, func() {
		s.closeWith(reasonPingTimeout)
	})
}

// setUpgraded marks websocket as the active transport. Later polling
// GETs are answered with a noop instead of parking, and a GET parked
// right now is released so it cannot race the write pump for packets.
func (s *Socket) setUpgraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upgraded {
		return
	}
	s.upgraded = true
	close(s.upgradedCh)
}

// pollParked reports whether a polling GET is currently waiting.
func (s *Socket) pollParked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parked
}

// closeWith ends the session once. The first caller's reason wins and
// is what HandleDisconnect reports.
func (s *Socket) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		if s.watchdog != nil {
			s.watchdog.Stop()
			s.watchdog = nil
		}
		s.mu.Unlock()
		close(s.closed)
		s.srv.forget(s.id)
	})
}

func (s *Socket) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// dispatch owns all Handler callbacks for this session. Events queued
// before the close are still delivered, so a device that emits and
// immediately disconnects loses nothing.
func (s *Socket) dispatch() {
	defer s.srv.wg.Done()
	s.srv.handler.HandleConnect(s)
	for {
		select {
		case ev := <-s.inbound:
			s.srv.handler.HandleEvent(s, ev.Name, ev.Args)
		case <-s.closed:
			for {
				select {
				case ev := <-s.inbound:
					s.srv.handler.HandleEvent(s, ev.Name, ev.Args)
				default:
					s.srv.handler.HandleDisconnect(s, s.closeReason())
					return
				}
			}
		}
	}
}
