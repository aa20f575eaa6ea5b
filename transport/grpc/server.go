// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package grpc serves envelopes over a bidirectional gRPC stream.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var _ transport.Server = (*Server)(nil)

const (
	// ServiceName is the fully qualified gRPC service.
	ServiceName = "flowgate.v1.FlowService"
	// StreamProcedure is the bidi streaming method path.
	StreamProcedure = "/" + ServiceName + "/Stream"
)

// Config holds configuration for the gRPC server.
type Config struct {
	Address         string
	Wire            envelope.Wire
	QueueSize       int
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
}

// Server exposes the envelope stream as a Connect handler over h2c, which
// accepts gRPC, gRPC-Web and Connect clients.
type Server struct {
	config     Config
	handler    transport.Handler
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	connCtx    context.Context
	closeConns context.CancelFunc
	conns      sync.WaitGroup
}

// New creates a new gRPC server.
func New(config Config, h transport.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	connCtx, closeConns := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		handler:    h,
		logger:     logger,
		ready:      make(chan struct{}),
		connCtx:    connCtx,
		closeConns: closeConns,
	}

	mux := http.NewServeMux()
	mux.Handle(StreamProcedure, connect.NewBidiStreamHandler(
		StreamProcedure,
		s.stream,
		connect.WithCodec(newCodec(config.Wire)),
	))

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           h2c.NewHandler(mux, h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the h2c handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the server and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("listener_started",
				slog.String("transport", transport.NameGRPC),
				slog.String("address", ln.Addr().String()),
				slog.Bool("tls", true))
			err = s.httpServer.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("listener_started",
				slog.String("transport", transport.NameGRPC),
				slog.String("address", ln.Addr().String()))
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Open streams keep Shutdown waiting, so end them first.
		s.closeConns()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.conns.Wait()
		return nil
	case err := <-errCh:
		return fmt.Errorf("grpc server error: %w", err)
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
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

func (s *Server) stream(ctx context.Context, stream *connect.BidiStream[envelope.Envelope, envelope.Envelope]) error {
	s.conns.Add(1)

	c := &conn{
		Base:   transport.NewBase(transport.NameGRPC, stream.Peer().Addr, s.config.QueueSize, nil),
		stream: stream,
	}

	s.handler.OnConnected(c)

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone, s.logger)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		if err := c.readLoop(s.handler); err != nil {
			c.CloseWithError(err)
			return
		}
		c.Close()
	}()

	stopReq := context.AfterFunc(ctx, func() { c.Close() })
	defer stopReq()
	stopSrv := context.AfterFunc(s.connCtx, func() { c.Close() })
	defer stopSrv()

	<-c.Done()
	<-writerDone

	// Receive only unblocks once this handler has returned, so a server
	// side close reports the disconnect from the reader.
	finish := func() {
		s.handler.OnDisconnected(c, c.Err())
		s.conns.Done()
	}
	select {
	case <-readDone:
		finish()
	default:
		go func() {
			<-readDone
			finish()
		}()
	}

	if err := c.Err(); err != nil {
		return connect.NewError(connect.CodeAborted, err)
	}
	return nil
}

// conn implements transport.Conn for one bidi stream.
type conn struct {
	*transport.Base
	stream *connect.BidiStream[envelope.Envelope, envelope.Envelope]
}

func (c *conn) readLoop(h transport.Handler) error {
	for {
		e, err := c.stream.Receive()
		if err != nil {
			select {
			case <-c.Done():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := h.OnReceive(c, e); err != nil {
			return err
		}
	}
}

func (c *conn) writeLoop(done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	for {
		select {
		case e := <-c.Outbound():
			if err := c.stream.Send(e); err != nil {
				logger.Debug("connection_write_failed", slog.String("conn", c.ID()), slog.String("error", err.Error()))
				c.CloseWithError(err)
				return
			}
		case <-c.Done():
			for {
				select {
				case e := <-c.Outbound():
					if err := c.stream.Send(e); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
