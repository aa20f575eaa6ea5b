// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/envelope"
)

// Default values.
const (
	DefaultAddress        = "localhost:5050"
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultQueueSize      = 256
	DefaultAgent          = "flowgate-go"
)

// QueueHandler processes a message delivered to one of the client's
// queues. The returned value is sent back as the reply; an error makes the
// server requeue the message.
type QueueHandler func(ctx context.Context, m *bridge.Message) (any, error)

// Options configures the client.
type Options struct {
	// Connection
	Network        string                                      // "tcp" or "unix"
	Address        string                                      // host:port or socket path
	TLSConfig      *tls.Config                                 // nil for plain connections
	Dialer         func(ctx context.Context) (net.Conn, error) // overrides Network and Address
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// Wire
	Codec        string // json, msgpack or proto
	MaxFrameSize int
	Checksum     bool
	ChunkSize    int // 0 sends every payload in one envelope

	// Requests
	RequestTimeout time.Duration
	QueueSize      int

	// Signin
	Username string
	Password string
	JWT      string
	Agent    string
	Version  string

	// Callbacks
	OnQueueMessage   QueueHandler
	OnQueueClosed    func(queue, exchange string)
	OnTokenRefresh   func(jwt string)
	OnEnvelope       func(e *envelope.Envelope) // pushed envelopes the client does not handle itself
	OnConnectionLost func(err error)

	Logger *slog.Logger
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Network:        "tcp",
		Address:        DefaultAddress,
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		Codec:          envelope.CodecJSON,
		RequestTimeout: DefaultRequestTimeout,
		QueueSize:      DefaultQueueSize,
		Agent:          DefaultAgent,
	}
}

// SetAddress sets the network and address of the server.
func (o *Options) SetAddress(network, address string) *Options {
	o.Network = network
	o.Address = address
	return o
}

// SetTLSConfig enables TLS on tcp connections.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialer replaces the dialer, for example with an in-memory pipe.
func (o *Options) SetDialer(dial func(ctx context.Context) (net.Conn, error)) *Options {
	o.Dialer = dial
	return o
}

// SetCodec sets the envelope codec. It must match the server.
func (o *Options) SetCodec(name string) *Options {
	o.Codec = name
	return o
}

// SetChecksum stamps outgoing payloads and verifies incoming ones.
func (o *Options) SetChecksum(enabled bool) *Options {
	o.Checksum = enabled
	return o
}

// SetChunkSize splits payloads larger than size bytes.
func (o *Options) SetChunkSize(size int) *Options {
	o.ChunkSize = size
	return o
}

// SetRequestTimeout bounds how long a request waits for its reply.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetCredentials signs in with a username and password on connect.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetJWT signs in with a credential on connect.
func (o *Options) SetJWT(jwt string) *Options {
	o.JWT = jwt
	return o
}

// SetAgent sets the agent name and version reported at signin.
func (o *Options) SetAgent(agent, version string) *Options {
	o.Agent = agent
	o.Version = version
	return o
}

// SetQueueHandler sets the handler for queue deliveries.
func (o *Options) SetQueueHandler(h QueueHandler) *Options {
	o.OnQueueMessage = h
	return o
}

// SetOnQueueClosed is called when the server lost one of the client's
// consumers.
func (o *Options) SetOnQueueClosed(fn func(queue, exchange string)) *Options {
	o.OnQueueClosed = fn
	return o
}

// SetOnTokenRefresh is called with every credential the server pushes.
func (o *Options) SetOnTokenRefresh(fn func(jwt string)) *Options {
	o.OnTokenRefresh = fn
	return o
}

// SetOnEnvelope receives pushed envelopes such as watch events.
func (o *Options) SetOnEnvelope(fn func(e *envelope.Envelope)) *Options {
	o.OnEnvelope = fn
	return o
}

// SetOnConnectionLost is called when the server ends the connection.
func (o *Options) SetOnConnectionLost(fn func(err error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Dialer == nil && o.Address == "" {
		return ErrNoAddress
	}
	if _, err := envelope.CodecByName(o.Codec); err != nil {
		return err
	}
	return nil
}

func (o *Options) hasCredentials() bool {
	return o.JWT != "" || o.Username != ""
}

func (o *Options) wire() envelope.Wire {
	codec, _ := envelope.CodecByName(o.Codec)
	return envelope.Wire{
		Codec:        codec,
		MaxFrameSize: o.MaxFrameSize,
		Checksum:     o.Checksum,
	}
}
