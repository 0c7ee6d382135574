// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package sio

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonde-io/sonde/lib/clock"
)

const (
	defaultPingInterval   = 25 * time.Second
	defaultPingTimeout    = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second

	// maxPayloadBytes bounds one polling POST; bulk uploads from
	// devices with days of backlog still fit comfortably.
	maxPayloadBytes = 1 << 20

	// closeGracePeriod bounds the close frame write at teardown.
	closeGracePeriod = time.Second
)

// Engine.IO error codes returned on bad requests.
const (
	errUnknownTransport = 0
	errUnknownSID       = 1
	errBadRequest       = 3
)

// Handler receives session callbacks. All three methods for one
// Socket run on that session's dispatch goroutine, in order: one
// HandleConnect, any number of HandleEvent, one HandleDisconnect.
type Handler interface {
	HandleConnect(s *Socket)
	HandleEvent(s *Socket, name string, args []json.RawMessage)
	HandleDisconnect(s *Socket, reason string)
}

// Config configures a Server.
type Config struct {
	// Handler receives session callbacks. Required.
	Handler Handler

	// Logger receives transport diagnostics. Required.
	Logger *slog.Logger

	// Clock drives liveness timers. Defaults to the system clock.
	Clock clock.Clock

	// PingInterval and PingTimeout are advertised in the handshake.
	// A session with no traffic for PingInterval+PingTimeout is
	// closed. Default 25s / 60s.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// ConnectTimeout reaps sessions that complete the handshake but
	// never send a packet. Default 30s.
	ConnectTimeout time.Duration
}

// Server terminates Engine.IO transports and pairs each session with
// the Handler. It implements http.Handler and expects to be mounted
// at the Socket.IO path ("/socket.io" and its subtree).
type Server struct {
	handler        Handler
	logger         *slog.Logger
	clk            clock.Clock
	pingInterval   time.Duration
	pingTimeout    time.Duration
	connectTimeout time.Duration
	upgrader       websocket.Upgrader

	mu           sync.Mutex
	sessions     map[string]*Socket
	shuttingDown bool

	wg sync.WaitGroup
}

// NewServer creates a Server. Panics if a required Config field is
// missing.
func NewServer(config Config) *Server {
	if config.Handler == nil {
		panic("sio.Server: Handler is required")
	}
	if config.Logger == nil {
		panic("sio.Server: Logger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.PingInterval == 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.PingTimeout == 0 {
		config.PingTimeout = defaultPingTimeout
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	return &Server{
		handler:        config.Handler,
		logger:         config.Logger,
		clk:            config.Clock,
		pingInterval:   config.PingInterval,
		pingTimeout:    config.PingTimeout,
		connectTimeout: config.ConnectTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are not browsers; origin checks buy nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Socket),
	}
}

// Close disconnects every session, refuses new ones, and waits for
// all handler callbacks to finish.
func (srv *Server) Close() {
	srv.mu.Lock()
	srv.shuttingDown = true
	sessions := make([]*Socket, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	for _, s := range sessions {
		s.send(packetDisconnect)
		s.closeWith(reasonServerClose)
	}
	srv.wg.Wait()
}

// register creates a session and starts its dispatch goroutine.
func (srv *Server) register() (*Socket, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.shuttingDown {
		return nil, false
	}
	s := newSocket(srv)
	srv.sessions[s.id] = s
	srv.wg.Add(1)
	go s.dispatch()
	return s, true
}

func (srv *Server) forget(id string) {
	srv.mu.Lock()
	delete(srv.sessions, id)
	srv.mu.Unlock()
}

func (srv *Server) lookup(sid string) (*Socket, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	s, ok := srv.sessions[sid]
	return s, ok
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	switch query.Get("transport") {
	case "polling":
		srv.servePolling(w, r, query.Get("sid"))
	case "websocket":
		srv.serveWebsocket(w, r, query.Get("sid"))
	default:
		writeProtocolError(w, errUnknownTransport, "unknown transport")
	}
}

// servePolling handles the XHR transport: a sid-less GET is a
// handshake, a GET with sid parks until there is something to send,
// a POST with sid delivers client packets.
func (srv *Server) servePolling(w http.ResponseWriter, r *http.Request, sid string) {
	if sid == "" {
		if r.Method != http.MethodGet {
			writeProtocolError(w, errBadRequest, "handshake must be a GET")
			return
		}
		srv.handshakePolling(w)
		return
	}
	s, ok := srv.lookup(sid)
	if !ok {
		writeProtocolError(w, errUnknownSID, "unknown sid")
		return
	}
	switch r.Method {
	case http.MethodGet:
		srv.pollGET(w, r, s)
	case http.MethodPost:
		srv.receivePOST(w, r, s)
	default:
		writeProtocolError(w, errBadRequest, "unsupported method")
	}
}

func (srv *Server) handshakePolling(w http.ResponseWriter) {
	s, ok := srv.register()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	srv.logger.Debug("session opened", "sid", s.id, "transport", "polling")
	open := encodeOpen(s.id, []string{"websocket"}, srv.pingInterval, srv.pingTimeout)
	// The connect frame and anything an eager handler emitted ride in
	// the same response.
	writePayload(w, append([]string{open}, s.drainOut()...))
}

// pollGET parks until a packet is queued, the session upgrades or
// closes, or the client goes away. Only one GET may park per session.
func (srv *Server) pollGET(w http.ResponseWriter, r *http.Request, s *Socket) {
	s.mu.Lock()
	if s.upgraded {
		s.mu.Unlock()
		writePayload(w, []string{packetNoop})
		return
	}
	if s.parked {
		s.mu.Unlock()
		// Overlapping polls mean the client lost track of its own
		// cycle; drop the session like the reference server does.
		s.closeWith(reasonTransportClose)
		writeProtocolError(w, errBadRequest, "overlapping poll")
		return
	}
	s.parked = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.parked = false
		s.mu.Unlock()
	}()

	select {
	case pkt := <-s.out:
		writePayload(w, append([]string{pkt}, s.drainOut()...))
	case <-s.upgradedCh:
		writePayload(w, []string{packetNoop})
	case <-s.closed:
		writePayload(w, append(s.drainOut(), packetClose))
	case <-r.Context().Done():
		// Client gave up; nothing to write.
	}
}

func (srv *Server) receivePOST(w http.ResponseWriter, r *http.Request, s *Socket) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeProtocolError(w, errBadRequest, "unreadable payload")
		return
	}
	packets, err := decodePayload(string(body))
	if err != nil {
		srv.logger.Warn("dropping malformed payload", "sid", s.id, "error", err)
		writeProtocolError(w, errBadRequest, "malformed payload")
		return
	}
	for _, pkt := range packets {
		srv.handlePacket(s, pkt)
	}
	w.Header().Set("Content-Type", "text/html")
	io.WriteString(w, "ok")
}

// serveWebsocket handles both connection styles: sid-less requests
// handshake directly on the websocket, requests with a sid probe to
// upgrade an existing polling session.
func (srv *Server) serveWebsocket(w http.ResponseWriter, r *http.Request, sid string) {
	if sid != "" {
		s, ok := srv.lookup(sid)
		if !ok {
			writeProtocolError(w, errUnknownSID, "unknown sid")
			return
		}
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.logger.Warn("websocket upgrade failed", "sid", sid, "error", err)
			return
		}
		srv.probeUpgrade(s, conn)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s, ok := srv.register()
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(closeGracePeriod))
		conn.Close()
		return
	}
	srv.logger.Debug("session opened", "sid", s.id, "transport", "websocket")
	open := encodeOpen(s.id, nil, srv.pingInterval, srv.pingTimeout)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(open)); err != nil {
		s.closeWith(reasonTransportClose)
		conn.Close()
		return
	}
	s.setUpgraded()
	go srv.writePump(s, conn)
	srv.readPump(s, conn)
}

// probeUpgrade runs the polling-to-websocket probe: the client pings
// "probe" on the new transport, we pong and release any parked poll
// with a noop, and the client commits with an upgrade packet. Until
// that commit the polling transport stays authoritative.
func (srv *Server) probeUpgrade(s *Socket, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		switch pkt := string(data); pkt {
		case probePing:
			s.touch()
			if err := conn.WriteMessage(websocket.TextMessage, []byte(probePong)); err != nil {
				conn.Close()
				return
			}
			// Release a parked poll so the client can pause polling
			// before it commits.
			if s.pollParked() {
				s.send(packetNoop)
			}
		case packetUpgrade:
			s.touch()
			s.setUpgraded()
			srv.logger.Debug("session upgraded", "sid", s.id)
			go srv.writePump(s, conn)
			srv.readPump(s, conn)
			return
		default:
			srv.logger.Warn("unexpected packet during upgrade probe", "sid", s.id, "packet", pkt)
			conn.Close()
			return
		}
	}
}

// readPump feeds inbound websocket packets to the session until the
// connection drops.
func (srv *Server) readPump(s *Socket, conn *websocket.Conn) {
	defer func() {
		s.closeWith(reasonTransportClose)
		conn.Close()
	}()
	conn.SetReadLimit(maxPayloadBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		srv.handlePacket(s, string(data))
	}
}

// writePump drains the session's outgoing queue onto the websocket.
// On close it flushes what is queued, so a final disconnect frame
// still reaches the client, then tears the connection down, which
// also unblocks the read pump.
func (srv *Server) writePump(s *Socket, conn *websocket.Conn) {
	for {
		select {
		case pkt := <-s.out:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(pkt)); err != nil {
				s.closeWith(reasonTransportClose)
				conn.Close()
				return
			}
		case <-s.closed:
			for _, pkt := range s.drainOut() {
				conn.WriteMessage(websocket.TextMessage, []byte(pkt))
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGracePeriod))
			conn.Close()
			return
		}
	}
}

// handlePacket processes one Engine.IO packet from either transport.
func (srv *Server) handlePacket(s *Socket, pkt string) {
	if pkt == "" {
		return
	}
	switch pkt[0] {
	case eioPing:
		s.touch()
		s.send("3" + pkt[1:])
	case eioMessage:
		s.touch()
		srv.handleMessage(s, pkt[1:])
	case eioClose:
		s.closeWith(reasonTransportClose)
	case eioUpgrade, eioNoop:
		// Upgrade is consumed by the probe loop; noop carries nothing.
	default:
		srv.logger.Debug("dropping unknown packet", "sid", s.id, "packet", pkt[:1])
	}
}

// handleMessage processes the Socket.IO frame inside a message packet.
func (srv *Server) handleMessage(s *Socket, body string) {
	if body == "" {
		return
	}
	switch body[0] {
	case sioConnect:
		// The default namespace is implicit; nothing to do.
	case sioDisconnect:
		s.closeWith(reasonClientClose)
	case sioEvent:
		ev, err := decodeEvent(body[1:])
		if err != nil {
			srv.logger.Warn("dropping malformed event frame", "sid", s.id, "error", err)
			return
		}
		s.enqueueEvent(ev)
	default:
		srv.logger.Debug("dropping unsupported frame", "sid", s.id, "type", body[:1])
	}
}

func writePayload(w http.ResponseWriter, packets []string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	io.WriteString(w, encodePayload(packets))
}

func writeProtocolError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `{"code":%d,"message":%q}`, code, message)
}
