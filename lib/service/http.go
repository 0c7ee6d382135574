// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer serves HTTP on a TCP listener with managed lifecycle:
// bind early, signal readiness, shut down gracefully when the context
// ends. The caller provides the handler; routing and protocol concerns
// stay out of this type.
type HTTPServer struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	// shutdownTimeout bounds the graceful-shutdown wait for in-flight
	// requests after the context is cancelled.
	shutdownTimeout time.Duration

	// ready closes once the listener is bound and accepting.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	addr net.Addr
}

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Address is the TCP listen address (":3000", "127.0.0.1:0").
	// Required.
	Address string

	// Handler receives all requests. Required.
	Handler http.Handler

	// ShutdownTimeout bounds graceful shutdown. Zero means 10s.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewHTTPServer creates a server for the configured address. Call
// Serve to bind and start accepting.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	if config.Address == "" {
		panic("service.HTTPServer: Address is required")
	}
	if config.Handler == nil {
		panic("service.HTTPServer: Handler is required")
	}
	if config.Logger == nil {
		panic("service.HTTPServer: Logger is required")
	}
	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPServer{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel closed once the server is bound and
// accepting connections.
func (s *HTTPServer) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Valid only after Ready()
// closes; with an OS-assigned port (":0") this carries the real port.
func (s *HTTPServer) Addr() net.Addr { return s.addr }

// Serve binds the listener, closes Ready, and accepts until ctx is
// cancelled, then stops accepting and waits up to ShutdownTimeout for
// in-flight requests.
func (s *HTTPServer) Serve(ctx context.Context) error {
	// Bind before entering the serve loop so Addr is resolvable and
	// readiness can be signalled.
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// No ReadTimeout/WriteTimeout: the gateway holds XHR polling
		// requests open up to the ping interval, and upgraded
		// websocket connections manage their own deadlines. Header
		// and idle timeouts still bound misbehaving clients.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}
