// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves envelopes over WebSocket, one envelope per
// message.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
	"github.com/gorilla/websocket"
)

var _ transport.Server = (*Server)(nil)

const (
	DefaultPath = "/ws"

	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type Config struct {
	Address         string
	Path            string
	Wire            envelope.Wire
	QueueSize       int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins restricts cross origin upgrades. Empty allows all.
	AllowedOrigins []string
}

type Server struct {
	config   Config
	handler  transport.Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// Upgraded connections are hijacked and not tracked by http.Server.
	connCtx    context.Context
	closeConns context.CancelFunc
	conns      sync.WaitGroup
}

func New(cfg Config, h transport.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	connCtx, closeConns := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		handler:    h,
		logger:     logger,
		ready:      make(chan struct{}),
		connCtx:    connCtx,
		closeConns: closeConns,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the upgrade handler, for mounting on another mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("listener_started",
		slog.String("transport", transport.NameWebSocket),
		slog.String("address", ln.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		err := s.server.Shutdown(shutdownCtx)
		s.closeConns()
		if err != nil {
			s.logger.Error("listener_shutdown_failed", slog.String("error", err.Error()))
			return err
		}

		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-shutdownCtx.Done():
			return transport.ErrShutdownTimeout
		}
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	c := newConn(ws, r.RemoteAddr, s.config)
	c.serve(s.connCtx, s.handler, s.logger)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// conn implements transport.Conn for one WebSocket.
type conn struct {
	*transport.Base
	ws  *websocket.Conn
	cfg Config
}

func newConn(ws *websocket.Conn, remote string, cfg Config) *conn {
	return &conn{
		Base: transport.NewBase(transport.NameWebSocket, remote, cfg.QueueSize, nil),
		ws:   ws,
		cfg:  cfg,
	}
}

func (c *conn) serve(ctx context.Context, h transport.Handler, logger *slog.Logger) {
	h.OnConnected(c)

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone, logger)

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.readLoop(h); err != nil {
		c.CloseWithError(err)
	} else {
		c.Close()
	}
	<-writerDone

	h.OnDisconnected(c, c.Err())
}

func (c *conn) readLoop(h transport.Handler) error {
	readWait := 2 * c.cfg.PingInterval
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.Done():
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(readWait))

		e, err := c.cfg.Wire.Decode(data)
		if err != nil {
			return err
		}
		if err := h.OnReceive(c, e); err != nil {
			return err
		}
	}
}

func (c *conn) writeLoop(done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	defer c.ws.Close()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	msgType := websocket.BinaryMessage
	if c.cfg.Wire.Codec == nil || c.cfg.Wire.Codec.Name() == envelope.CodecJSON {
		msgType = websocket.TextMessage
	}

	for {
		select {
		case e := <-c.Outbound():
			data, err := c.cfg.Wire.Encode(e)
			if err == nil {
				c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				err = c.ws.WriteMessage(msgType, data)
			}
			if err != nil {
				logger.Debug("connection_write_failed", slog.String("conn", c.ID()), slog.String("error", err.Error()))
				c.CloseWithError(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.CloseWithError(err)
				return
			}
		case <-c.Done():
			c.drain(msgType)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

func (c *conn) drain(msgType int) {
	for {
		select {
		case e := <-c.Outbound():
			data, err := c.cfg.Wire.Encode(e)
			if err != nil {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.ws.WriteMessage(msgType, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
