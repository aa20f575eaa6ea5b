// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client for the flowgate envelope protocol over
// tcp and unix socket connections. It signs in, answers server pings,
// correlates replies and serves queue deliveries.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/dispatch"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
)

// Client is a connection to a flowgate server.
type Client struct {
	opts   *Options
	logger *slog.Logger
	state  stateManager

	mu   sync.RWMutex
	conn *transport.Client
	jwt  string
	user *auth.Identity

	wg sync.WaitGroup
}

// New creates a client. Connect opens the connection.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: logger,
		jwt:    opts.JWT,
	}, nil
}

// State returns the connection state.
func (c *Client) State() State {
	return c.state.get()
}

// Connect dials the server and signs in when credentials are configured.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.transition(StateDisconnected, StateConnecting) {
		if c.state.get() == StateClosed {
			return ErrClientClosed
		}
		return ErrAlreadyConnected
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	nc, err := c.dial(dialCtx)
	if err != nil {
		c.state.set(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	conn := transport.NewClient(nc, transport.StreamConfig{
		Wire:         c.opts.wire(),
		QueueSize:    c.opts.QueueSize,
		WriteTimeout: c.opts.WriteTimeout,
	})
	conn.SetChunkSize(c.opts.ChunkSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(conn)
	c.state.set(StateConnected)

	c.logger.Debug("client_connected", slog.String("address", c.opts.Address))

	if c.opts.hasCredentials() {
		if _, err := c.Signin(ctx); err != nil {
			_ = c.Disconnect()
			return err
		}
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.opts.Dialer != nil {
		return c.opts.Dialer(ctx)
	}
	if c.opts.TLSConfig != nil {
		d := tls.Dialer{Config: c.opts.TLSConfig}
		return d.DialContext(ctx, c.opts.Network, c.opts.Address)
	}
	var d net.Dialer
	return d.DialContext(ctx, c.opts.Network, c.opts.Address)
}

// Disconnect closes the connection. The client may connect again.
func (c *Client) Disconnect() error {
	if !c.state.transition(StateConnected, StateDisconnecting) {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	err := conn.Close()
	c.wg.Wait()
	c.state.set(StateDisconnected)
	return err
}

// Close disconnects and prevents further use of the client.
func (c *Client) Close() error {
	err := c.Disconnect()
	if errors.Is(err, ErrNotConnected) {
		err = nil
	}
	c.state.set(StateClosed)
	return err
}

// Token returns the credential bound to the connection. It changes when
// the server pushes a refreshed one.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwt
}

// User returns the identity the server signed in.
func (c *Client) User() *auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) connection() (*transport.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.state.get() != StateConnected {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Request sends command with in encoded as JSON and decodes the reply
// into out. An error reply is returned as *correlation.RemoteError.
func (c *Client) Request(ctx context.Context, command string, in, out any) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	var data []byte
	if in != nil {
		if data, err = json.Marshal(in); err != nil {
			return err
		}
	}

	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	reply, err := conn.Request(ctx, envelope.New(command, data))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, command)
		}
		return err
	}
	if out == nil || reply == nil || len(reply.Data) == 0 {
		return nil
	}
	return json.Unmarshal(reply.Data, out)
}

// Ping checks the connection end to end.
func (c *Client) Ping(ctx context.Context) error {
	return c.Request(ctx, envelope.CommandPing, nil, nil)
}

// Signin authenticates the connection with the configured credentials.
// A credential received earlier takes precedence over the password.
func (c *Client) Signin(ctx context.Context) (*auth.Identity, error) {
	m := dispatch.SigninMessage{
		JWT:           c.Token(),
		ClientAgent:   c.opts.Agent,
		ClientVersion: c.opts.Version,
	}
	if m.JWT == "" {
		m.Username = c.opts.Username
		m.Password = c.opts.Password
	}

	var reply dispatch.SigninReply
	if err := c.Request(ctx, dispatch.Signin.String(), m, &reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigninRejected, err)
	}

	c.mu.Lock()
	c.jwt = reply.JWT
	c.user = reply.User
	c.mu.Unlock()
	return reply.User, nil
}

func (c *Client) receive(conn *transport.Client) {
	defer c.wg.Done()
	for {
		select {
		case e := <-conn.Inbound():
			c.handle(conn, e)
		case <-conn.Done():
			c.lost(conn)
			return
		}
	}
}

func (c *Client) lost(conn *transport.Client) {
	if !c.state.transition(StateConnected, StateDisconnected) {
		return
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	err := conn.Err()
	if err == nil {
		err = ErrConnectionLost
	}
	c.logger.Warn("client_connection_lost", slog.String("error", err.Error()))
	if fn := c.opts.OnConnectionLost; fn != nil {
		fn(err)
	}
}

func (c *Client) handle(conn *transport.Client, e *envelope.Envelope) {
	switch e.Command {
	case envelope.CommandPing:
		pong := envelope.New(envelope.CommandPong, nil)
		pong.ReplyTo = e.ID
		c.send(conn, pong)
	case envelope.CommandPong, envelope.CommandError:
		c.logger.Debug("client_stray_reply",
			slog.String("command", e.Command),
			slog.String("reply_to", e.ReplyTo))
	case bridge.CommandQueueMessage:
		c.wg.Add(1)
		go c.deliver(conn, e)
	case bridge.CommandQueueClosed, bridge.CommandExchangeClosed:
		var notice bridge.ClosedNotice
		if err := json.Unmarshal(e.Data, &notice); err != nil {
			return
		}
		if fn := c.opts.OnQueueClosed; fn != nil {
			fn(notice.QueueName, notice.ExchangeName)
		}
	case dispatch.CommandRefreshToken:
		var reply dispatch.SigninReply
		if err := json.Unmarshal(e.Data, &reply); err != nil || reply.JWT == "" {
			return
		}
		c.mu.Lock()
		c.jwt = reply.JWT
		if reply.User != nil {
			c.user = reply.User
		}
		c.mu.Unlock()
		if fn := c.opts.OnTokenRefresh; fn != nil {
			fn(reply.JWT)
		}
	default:
		if fn := c.opts.OnEnvelope; fn != nil {
			fn(e)
		}
	}
}

func (c *Client) send(conn *transport.Client, e *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Send(ctx, e); err != nil {
		c.logger.Debug("client_send_failed",
			slog.String("command", e.Command),
			slog.String("error", err.Error()))
	}
}

func (c *Client) replyError(conn *transport.Client, e *envelope.Envelope, err error) {
	data, _ := json.Marshal(dispatch.ErrorMessage{Message: err.Error()})
	c.send(conn, e.ErrorReply(data))
}
