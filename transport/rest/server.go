// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rest carries envelopes over plain HTTP request/response polling.
// Each POST delivers a batch of envelopes and returns whatever the server
// queued for that session, waiting up to PollTimeout when nothing is queued.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
)

var _ transport.Server = (*Server)(nil)

const (
	EnvelopesPath   = "/api/v1/envelopes"
	SessionHeader   = "X-Session-Id"
	maxBatch        = 256
	defaultPoll     = 25 * time.Second
	defaultIdle     = 2 * time.Minute
	defaultMaxBody  = 32 << 20
	sweepMultiplier = 4
)

var ErrIdle = errors.New("rest session idle timeout")

// Config holds configuration for the REST server.
type Config struct {
	Address         string
	Wire            envelope.Wire
	QueueSize       int
	PollTimeout     time.Duration
	IdleTimeout     time.Duration
	MaxBodySize     int64
	ShutdownTimeout time.Duration
}

// Server is the REST polling adapter.
type Server struct {
	config     Config
	handler    transport.Handler
	logger     *slog.Logger
	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*conn
	listener net.Listener
	ready    chan struct{}
	now      func() time.Time
}

// New creates a REST server.
func New(cfg Config, h transport.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPoll
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdle
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBody
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	cfg.Wire.Codec = envelope.JSONCodec{}

	s := &Server{
		config:   cfg,
		handler:  h,
		logger:   logger,
		sessions: make(map[string]*conn),
		ready:    make(chan struct{}),
		now:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+EnvelopesPath, s.handlePost)
	mux.HandleFunc("DELETE "+EnvelopesPath, s.handleDelete)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen serves until ctx is cancelled. Idle sessions are swept while it runs.
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
		slog.String("transport", transport.NameREST),
		slog.String("address", ln.Addr().String()))

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
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

// Len returns the number of live polling sessions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	c, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusGone, err)
		return
	}
	w.Header().Set(SessionHeader, c.ID())

	var raw []json.RawMessage
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	if err := json.NewDecoder(body).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(raw) > maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("batch of %d exceeds %d envelopes", len(raw), maxBatch))
		return
	}

	if err := c.receive(s.handler, s.config.Wire, raw); err != nil {
		c.CloseWithError(err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := c.poll(r.Context(), s.config.Wire, s.config.PollTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Debug("rest_response_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.sessions[r.Header.Get(SessionHeader)]
	s.mu.Unlock()
	if ok {
		c.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

// session returns the caller's connection, creating one for a request
// without a session id.
func (s *Server) session(r *http.Request) (*conn, error) {
	id := r.Header.Get(SessionHeader)

	s.mu.Lock()
	if id != "" {
		c, ok := s.sessions[id]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown session %q", id)
		}
		c.touch(s.now())
		return c, nil
	}

	c := &conn{lastSeen: s.now()}
	c.Base = transport.NewBase(transport.NameREST, r.RemoteAddr, s.config.QueueSize, func() error {
		go s.finish(c)
		return nil
	})
	s.sessions[c.ID()] = c
	s.mu.Unlock()

	c.mu.Lock()
	s.handler.OnConnected(c)
	c.mu.Unlock()
	return c, nil
}

// finish runs after a connection closed. It waits for any in-flight batch
// so that OnDisconnected never overlaps OnReceive.
func (s *Server) finish(c *conn) {
	s.mu.Lock()
	delete(s.sessions, c.ID())
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	s.handler.OnDisconnected(c, c.Err())
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.config.IdleTimeout / sweepMultiplier
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep closes sessions that have not polled within IdleTimeout.
func (s *Server) sweep() int {
	cutoff := s.now().Add(-s.config.IdleTimeout)

	s.mu.Lock()
	var idle []*conn
	for _, c := range s.sessions {
		if c.idleSince(cutoff) {
			idle = append(idle, c)
		}
	}
	s.mu.Unlock()

	for _, c := range idle {
		s.logger.Debug("rest_session_idle", slog.String("conn", c.ID()))
		c.CloseWithError(ErrIdle)
	}
	return len(idle)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.sessions))
	for _, c := range s.sessions {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}

// conn is a polling session. mu serializes handler calls across
// concurrent requests carrying the same session id.
type conn struct {
	*transport.Base

	mu       sync.Mutex
	seenMu   sync.Mutex
	lastSeen time.Time
}

func (c *conn) touch(now time.Time) {
	c.seenMu.Lock()
	c.lastSeen = now
	c.seenMu.Unlock()
}

func (c *conn) idleSince(cutoff time.Time) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.lastSeen.Before(cutoff)
}

func (c *conn) receive(h transport.Handler, wire envelope.Wire, raw []json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range raw {
		select {
		case <-c.Done():
			return transport.ErrConnClosed
		default:
		}
		e, err := wire.Decode(r)
		if err != nil {
			return err
		}
		if err := h.OnReceive(c, e); err != nil {
			return err
		}
	}
	return nil
}

// poll returns queued envelopes, waiting up to timeout for the first one.
func (c *conn) poll(ctx context.Context, wire envelope.Wire, timeout time.Duration) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-c.Outbound():
		data, err := wire.Encode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	case <-timer.C:
		return out, nil
	case <-ctx.Done():
		return out, nil
	case <-c.Done():
	}

	for len(out) < maxBatch {
		select {
		case e := <-c.Outbound():
			data, err := wire.Encode(e)
			if err != nil {
				return nil, err
			}
			out = append(out, data)
		default:
			return out, nil
		}
	}
	return out, nil
}
