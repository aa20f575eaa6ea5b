// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves length-prefixed envelopes over raw sockets.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/flowgate/transport"
)

var _ transport.Server = (*Server)(nil)

// Config holds the TCP server configuration.
type Config struct {
	// Network is "tcp" unless the server is reused for unix sockets.
	Network         string
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	Stream          transport.StreamConfig
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	DisableNoDelay  bool
	// Name is reported as the connection transport.
	Name string
}

// Server accepts connections and hands each one to a transport.Handler.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	handler  transport.Handler
	listener net.Listener
	connSem  chan struct{}
	ready    chan struct{}
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h transport.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Name == "" {
		cfg.Name = transport.NameTCP
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		handler: h,
		connSem: connSem,
		ready:   make(chan struct{}),
	}
}

// Listen starts the server and blocks until the context is cancelled.
// Connections are drained for up to ShutdownTimeout before being forced closed.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen(s.config.Network, s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("tls_enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("listener_started",
		slog.String("transport", s.config.Name),
		slog.String("address", listener.Addr().String()))
	return listener, nil
}

func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.config.Logger.Error("accept_failed", slog.String("error", err.Error()))
				continue
			}

			if !s.tryAcquireConnectionSlot(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := s.configureTCPConn(tcpConn); err != nil {
					s.config.Logger.Error("configure_conn_failed", slog.String("error", err.Error()))
					s.releaseConnectionSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

func (s *Server) tryAcquireConnectionSlot(ctx context.Context, conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("connection_limit_reached", slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.config.Logger.Error("tls_handshake_failed", slog.String("error", err.Error()))
			conn.Close()
			return
		}
	}

	transport.ServeStream(connCtx, conn, s.config.Name, s.config.Stream, s.handler, s.config.Logger)
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("listener_stopping", slog.String("transport", s.config.Name))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("listener_close_failed", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown_timeout_exceeded", slog.String("transport", s.config.Name))
		connCancel()

		select {
		case <-done:
			return transport.ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return transport.ErrShutdownTimeout
		}
	}
}

// configureTCPConn sets keepalive and TCP_NODELAY.
func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
