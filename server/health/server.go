// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/flowgate/broker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	NodeID          string
	ShutdownTimeout time.Duration
}

// Backbone reports whether the queue backbone connection is up.
type Backbone interface {
	IsConnected() bool
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	broker   *broker.Broker
	backbone Backbone
	logger   *slog.Logger
	server   *http.Server
	draining atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. backbone may be nil.
func New(cfg Config, b *broker.Broker, backbone Backbone, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		broker:   b,
		backbone: backbone,
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the health routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Addr returns the listener's network address, or an empty string before
// Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Drain makes the readiness probe fail so load balancers stop routing new
// sessions here during shutdown.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health_server_started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health_server_shutdown_failed", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health_server_stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 when sessions can be accepted and the backbone
// is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch {
	case s.broker == nil:
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "broker not initialized"})
	case s.draining.Load():
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "draining"})
	case s.backbone != nil && !s.backbone.IsConnected():
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "backbone disconnected"})
	default:
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
	}
}

// StatsResponse reports broker counters and the session registry.
type StatsResponse struct {
	NodeID            string          `json:"node_id"`
	BackboneConnected bool            `json:"backbone_connected"`
	Sessions          int             `json:"sessions"`
	SessionsByState   map[string]int  `json:"sessions_by_state"`
	Broker            broker.Snapshot `json:"broker"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broker == nil {
		http.Error(w, "broker not initialized", http.StatusServiceUnavailable)
		return
	}

	resp := StatsResponse{
		NodeID:            s.config.NodeID,
		BackboneConnected: s.backbone == nil || s.backbone.IsConnected(),
		SessionsByState:   make(map[string]int),
		Broker:            s.broker.Stats().Snapshot(),
	}
	for _, sess := range s.broker.Registry().Snapshot() {
		resp.Sessions++
		resp.SessionsByState[sess.State().String()]++
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
