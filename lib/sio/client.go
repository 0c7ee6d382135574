// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package sio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds each outgoing websocket write.
	writeWait = 10 * time.Second

	// handshakeWait bounds the open and connect reads during Dial.
	handshakeWait = 10 * time.Second
)

// Client is a websocket-only Socket.IO client. The device simulator
// uses it as its transport and the gateway tests use it as a real
// device stand-in. It speaks the same v2 dialect the Server accepts
// and keeps the session alive with client-initiated pings.
//
// Thread-safe: Emit and Close may be called from any goroutine.
type Client struct {
	conn *websocket.Conn
	sid  string

	pingInterval time.Duration
	pingTimeout  time.Duration

	events chan Event
	closed chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// Dial connects to a gateway's Socket.IO endpoint. baseURL is the
// plain HTTP root, e.g. "http://127.0.0.1:3000"; the socket path and
// protocol query are appended here.
func Dial(ctx context.Context, baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	u.RawQuery = "EIO=3&transport=websocket"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	h, err := decodeOpen(string(data))
	if err != nil {
		conn.Close()
		return nil, err
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect frame: %w", err)
	}
	if string(data) != packetConnect {
		conn.Close()
		return nil, fmt.Errorf("expected connect frame, got %.40q", data)
	}

	c := &Client{
		conn:         conn,
		sid:          h.SID,
		pingInterval: time.Duration(h.PingInterval) * time.Millisecond,
		pingTimeout:  time.Duration(h.PingTimeout) * time.Millisecond,
		events:       make(chan Event, 16),
		closed:       make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// SID returns the session id the server assigned.
func (c *Client) SID() string { return c.sid }

// Events returns the stream of server-emitted events. The channel is
// closed when the session ends.
func (c *Client) Events() <-chan Event { return c.events }

// Closed is closed when the session ends, whatever the cause.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Emit sends an event to the server.
func (c *Client) Emit(name string, args ...any) error {
	select {
	case <-c.closed:
		return errors.New("socket is closed")
	default:
	}
	pkt, err := encodeEvent(name, args...)
	if err != nil {
		return err
	}
	return c.write(pkt)
}

// Close disconnects cleanly: a namespace disconnect frame, a close
// frame, then teardown. Safe to call repeatedly.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.write(packetDisconnect)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
	return err
}

// shutdown tears the session down after a transport error or a
// server-initiated disconnect.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) write(pkt string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(pkt)); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	return nil
}

// readLoop dispatches incoming packets until the transport drops. It
// is the only writer to the events channel.
func (c *Client) readLoop() {
	defer close(c.events)
	defer c.shutdown()
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		pkt := string(data)
		if pkt == "" {
			continue
		}
		switch pkt[0] {
		case eioPong, eioNoop:
			// Liveness only; the read deadline reset is the effect.
		case eioClose:
			return
		case eioMessage:
			body := pkt[1:]
			if body == "" {
				continue
			}
			switch body[0] {
			case sioDisconnect:
				return
			case sioEvent:
				ev, err := decodeEvent(body[1:])
				if err != nil {
					continue
				}
				select {
				case c.events <- ev:
				case <-c.closed:
					return
				}
			}
		}
	}
}

// pingLoop keeps the session alive; heartbeats are client-initiated
// in this protocol version.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write("2"); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
