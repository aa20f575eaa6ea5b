// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipe serves length-prefixed envelopes over a named local
// socket, for clients running on the same host.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/flowgate/transport"
	"github.com/absmach/flowgate/transport/tcp"
)

var _ transport.Server = (*Server)(nil)

// Config holds the pipe server configuration.
type Config struct {
	Path            string
	Mode            fs.FileMode
	Stream          transport.StreamConfig
	MaxConnections  int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server listens on a unix domain socket at Path.
type Server struct {
	cfg   Config
	inner *tcp.Server
}

// New creates a pipe server. The socket file is created by Listen.
func New(cfg Config, h transport.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == 0 {
		cfg.Mode = 0o660
	}
	inner := tcp.New(tcp.Config{
		Network:         "unix",
		Address:         cfg.Path,
		Name:            transport.NamePipe,
		Logger:          cfg.Logger,
		Stream:          cfg.Stream,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, h)
	return &Server{cfg: cfg, inner: inner}
}

// Listen removes a stale socket file, serves until ctx is cancelled and
// removes the socket file again on shutdown.
func (s *Server) Listen(ctx context.Context) error {
	if err := removeStale(s.cfg.Path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create pipe directory: %w", err)
	}

	go func() {
		select {
		case <-s.inner.Ready():
			if err := os.Chmod(s.cfg.Path, s.cfg.Mode); err != nil {
				s.cfg.Logger.Warn("pipe_chmod_failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
		}
	}()

	err := s.inner.Listen(ctx)
	if rmErr := os.Remove(s.cfg.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		s.cfg.Logger.Warn("pipe_remove_failed", slog.String("error", rmErr.Error()))
	}
	return err
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.inner.Ready()
}

// Addr returns the socket address.
func (s *Server) Addr() net.Addr {
	return s.inner.Addr()
}

// removeStale deletes a leftover socket file that nobody is listening on.
func removeStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("pipe path %s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		c.Close()
		return fmt.Errorf("pipe %s is already in use", path)
	}
	return os.Remove(path)
}
