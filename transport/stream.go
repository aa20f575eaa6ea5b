// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/flowgate/envelope"
)

const (
	defaultBufferSize = 8192
	drainTimeout      = time.Second
)

// StreamConfig configures a length-prefixed byte stream connection.
type StreamConfig struct {
	Wire         envelope.Wire
	QueueSize    int
	BufferSize   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StreamConn is a Conn over a net.Conn carrying 4-byte little-endian
// length-prefixed frames. It is used by the tcp and pipe adapters.
type StreamConn struct {
	*Base
	nc  net.Conn
	cfg StreamConfig
}

// NewStreamConn wraps nc. The caller runs Serve.
func NewStreamConn(nc net.Conn, name string, cfg StreamConfig) *StreamConn {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	remote := name
	if addr := nc.RemoteAddr(); addr != nil && addr.String() != "" {
		remote = addr.String()
	}
	return &StreamConn{
		Base: NewBase(name, remote, cfg.QueueSize, nil),
		nc:   nc,
		cfg:  cfg,
	}
}

// ServeStream runs nc until it ends. It blocks and reports the connection
// to h for its whole life.
func ServeStream(ctx context.Context, nc net.Conn, name string, cfg StreamConfig, h Handler, logger *slog.Logger) {
	NewStreamConn(nc, name, cfg).Serve(ctx, h, logger)
}

// Serve runs the read and write loops until the connection closes, either
// by the peer, by Close or by ctx being cancelled.
func (c *StreamConn) Serve(ctx context.Context, h Handler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

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

func (c *StreamConn) readLoop(h Handler) error {
	r := bufio.NewReaderSize(c.nc, c.cfg.BufferSize)
	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return err
			}
		}
		e, err := c.cfg.Wire.ReadFrame(r)
		if err != nil {
			select {
			case <-c.Done():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := h.OnReceive(c, e); err != nil {
			return err
		}
	}
}

// writeLoop owns the net.Conn for writing and closes it once the
// connection is done and the queued envelopes have been flushed.
func (c *StreamConn) writeLoop(done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	defer c.nc.Close()

	w := bufio.NewWriterSize(c.nc, c.cfg.BufferSize)
	for {
		select {
		case e := <-c.Outbound():
			if err := c.write(w, e, c.cfg.WriteTimeout); err != nil {
				logger.Debug("connection_write_failed",
					slog.String("conn", c.ID()),
					slog.String("error", err.Error()))
				c.CloseWithError(err)
				return
			}
		case <-c.Done():
			c.drain(w)
			return
		}
	}
}

// write sends e followed by anything else already queued, then flushes.
func (c *StreamConn) write(w *bufio.Writer, e *envelope.Envelope, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	for {
		if err := c.cfg.Wire.WriteFrame(w, e); err != nil {
			return err
		}
		select {
		case e = <-c.Outbound():
			continue
		default:
		}
		return w.Flush()
	}
}

func (c *StreamConn) drain(w *bufio.Writer) {
	select {
	case e := <-c.Outbound():
		_ = c.write(w, e, drainTimeout)
	default:
	}
}
