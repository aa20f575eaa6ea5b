// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/flowgate/correlation"
	"github.com/absmach/flowgate/envelope"
)

const defaultReplyTimeout = 60 * time.Second

// Client is the peer side of a length-prefixed stream connection. Replies
// to requests made with Request are matched by id; everything else is
// delivered on Inbound.
type Client struct {
	conn    *StreamConn
	tracker *correlation.Tracker
	reasm   *envelope.Reassembler
	inbound chan *envelope.Envelope
	closed  chan struct{}

	chunkSize  int
	maxPayload int
}

// Dial connects to a tcp or unix endpoint.
func Dial(ctx context.Context, network, address string, cfg StreamConfig) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(nc, cfg), nil
}

// NewClient starts serving nc as a client connection.
func NewClient(nc net.Conn, cfg StreamConfig) *Client {
	c := &Client{
		conn:    NewStreamConn(nc, "client", cfg),
		tracker: correlation.New(defaultReplyTimeout, 0),
		reasm:   envelope.NewReassembler(0, envelope.PolicyDropConnection),
		inbound: make(chan *envelope.Envelope, DefaultQueueSize),
		closed:  make(chan struct{}),

		maxPayload: cfg.Wire.MaxFrameSize,
	}
	go func() {
		defer close(c.closed)
		c.conn.Serve(context.Background(), c, slog.Default())
	}()
	return c
}

// SetChunkSize splits outgoing payloads larger than n bytes. It must be
// called before the first Send.
func (c *Client) SetChunkSize(n int) {
	c.chunkSize = n
}

// Send queues e without waiting for a reply.
func (c *Client) Send(ctx context.Context, e *envelope.Envelope) error {
	if c.chunkSize <= 0 || len(e.Data) <= c.chunkSize {
		return c.conn.Send(ctx, e)
	}
	for _, part := range envelope.Split(e, c.chunkSize) {
		if err := c.conn.Send(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

// Request sends e and waits for its reply. An error reply is returned as
// *correlation.RemoteError.
func (c *Client) Request(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
	p, err := c.tracker.Register(e.ID, e.Command)
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, e); err != nil {
		c.tracker.Cancel(e.ID, err)
		return nil, err
	}
	reply, err := p.Wait(ctx)
	if ctx.Err() != nil {
		c.tracker.Cancel(e.ID, ctx.Err())
	}
	return reply, err
}

// Inbound delivers envelopes that are not replies to pending requests.
func (c *Client) Inbound() <-chan *envelope.Envelope {
	return c.inbound
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close ends the connection and waits for it to shut down.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.closed
	return err
}

func (c *Client) OnConnected(Conn) {}

func (c *Client) OnReceive(_ Conn, e *envelope.Envelope) error {
	if !e.IsStream() {
		full, err := c.reasm.Add(e)
		if err != nil {
			return err
		}
		if full == nil {
			return nil
		}
		if err := envelope.DecompressPayload(full, c.maxPayload); err != nil {
			return err
		}
		if c.tracker.Resolve(full) {
			return nil
		}
		e = full
	}
	select {
	case c.inbound <- e:
	case <-c.conn.Done():
	}
	return nil
}

func (c *Client) OnDisconnected(Conn, error) {
	c.reasm.Reset()
	c.tracker.Clear(correlation.ErrDisconnected)
}

// Err returns why the connection ended. It is nil for a local Close.
func (c *Client) Err() error {
	return c.conn.Err()
}
