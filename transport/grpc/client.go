// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/flowgate/correlation"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
	"golang.org/x/net/http2"
)

const defaultReplyTimeout = 60 * time.Second

// Client is the peer side of the envelope stream.
type Client struct {
	stream  *connect.BidiStreamForClient[envelope.Envelope, envelope.Envelope]
	tracker *correlation.Tracker
	inbound chan *envelope.Envelope
	done    chan struct{}
	cancel  context.CancelFunc

	sendMu sync.Mutex
	err    error
}

// NewH2CClient returns an HTTP client speaking cleartext HTTP/2.
func NewH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// Dial opens the stream at baseURL, for example "http://127.0.0.1:7002".
func Dial(ctx context.Context, httpClient connect.HTTPClient, baseURL string, wire envelope.Wire) *Client {
	ctx, cancel := context.WithCancel(ctx)
	client := connect.NewClient[envelope.Envelope, envelope.Envelope](
		httpClient,
		baseURL+StreamProcedure,
		connect.WithGRPC(),
		connect.WithCodec(newCodec(wire)),
	)

	c := &Client{
		stream:  client.CallBidiStream(ctx),
		tracker: correlation.New(defaultReplyTimeout, 0),
		inbound: make(chan *envelope.Envelope, transport.DefaultQueueSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go c.receive()
	return c
}

// Send writes e to the stream.
func (c *Client) Send(_ context.Context, e *envelope.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(e)
}

// Request sends e and waits for the correlated reply.
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

// Done is closed when the stream has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the stream.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close half-closes the stream and waits for the server to finish.
func (c *Client) Close() error {
	c.sendMu.Lock()
	err := c.stream.CloseRequest()
	c.sendMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.cancel()
		<-c.done
	}
	return err
}

func (c *Client) receive() {
	defer close(c.done)
	defer c.cancel()
	defer c.stream.CloseResponse()

	for {
		e, err := c.stream.Receive()
		if err != nil {
			c.err = err
			c.tracker.Clear(correlation.ErrDisconnected)
			return
		}
		if !e.IsStream() && c.tracker.Resolve(e) {
			continue
		}
		c.inbound <- e
	}
}
