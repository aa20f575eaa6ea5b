// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the contract every wire adapter satisfies:
// a connection that sends envelopes and a handler that receives them
// together with connect and disconnect notifications.
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/absmach/flowgate/envelope"
)

// Adapter names.
const (
	NamePipe      = "pipe"
	NameTCP       = "tcp"
	NameWebSocket = "websocket"
	NameGRPC      = "grpc"
	NameREST      = "rest"
)

var (
	ErrConnClosed = errors.New("connection closed")
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Conn is one live client connection regardless of the adapter carrying it.
type Conn interface {
	ID() string
	RemoteAddr() string
	Transport() string
	// Send queues e for delivery. It blocks while the outbound queue is
	// full, until ctx ends or the connection closes.
	Send(ctx context.Context, e *envelope.Envelope) error
	Close() error
	// CloseWithError closes the connection recording err as the cause
	// reported to Handler.OnDisconnected.
	CloseWithError(err error) error
	Done() <-chan struct{}
}

// Handler receives connection lifecycle events and decoded envelopes.
// Calls for one connection are never concurrent with each other.
type Handler interface {
	OnConnected(conn Conn)
	// OnReceive handles one envelope. A returned error is a protocol
	// failure and closes the connection.
	OnReceive(conn Conn, e *envelope.Envelope) error
	// OnDisconnected is called exactly once per connection. err is nil
	// for an orderly close.
	OnDisconnected(conn Conn, err error)
}

// Server is a listening adapter.
type Server interface {
	// Listen serves until ctx is cancelled and then shuts down gracefully.
	Listen(ctx context.Context) error
	Addr() net.Addr
}
