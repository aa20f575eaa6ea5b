// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp implements the backbone over an AMQP 0.9.1 broker.
package amqp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/flowgate/backbone"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Client errors.
var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrAlreadyConnected = errors.New("client already connected")
)

var _ backbone.Backbone = (*Client)(nil)

// Client is a backbone over one AMQP connection and channel. Consumers are
// dropped when the connection is lost; the listener is told so it can
// recreate them after reconnect.
type Client struct {
	opts    *Options
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	conn   *amqp091.Connection
	ch     *amqp091.Channel
	connMu sync.RWMutex

	// chMu serializes channel use; amqp091 channels are not safe for
	// concurrent frames.
	chMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*subscription

	listenerMu sync.RWMutex
	listener   backbone.Listener

	connected    atomic.Bool
	closing      atomic.Bool
	reconnecting atomic.Bool
	stopCh       chan struct{}
	closeOnce    sync.Once
}

// New creates a client with the given options.
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

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	c := &Client{
		opts:   opts,
		logger: logger,
		subs:   make(map[string]*subscription),
		stopCh: make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-publish",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("backbone_breaker_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return c, nil
}

// SetListener registers the connection change listener.
func (c *Client) SetListener(l backbone.Listener) {
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

func (c *Client) notify(fn func(backbone.Listener)) {
	c.listenerMu.RLock()
	l := c.listener
	c.listenerMu.RUnlock()
	if l != nil {
		go fn(l)
	}
}

// Connect establishes the connection. With AutoReconnect set, a failed
// first attempt keeps retrying in the background and the error is
// returned.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return ErrAlreadyConnected
	}
	if err := c.connectOnce(ctx); err != nil {
		if c.opts.AutoReconnect {
			c.startReconnect()
		}
		return err
	}
	return nil
}

// Close closes the client and all consumers.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		return nil
	}

	c.closeOnce.Do(func() {
		close(c.stopCh)
	})

	c.dropSubscriptions()
	c.cleanupConn()
	c.connected.Store(false)
	return nil
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) channel() (*amqp091.Channel, error) {
	if c.closing.Load() {
		return nil, backbone.ErrClosed
	}
	if !c.connected.Load() {
		return nil, backbone.ErrNotConnected
	}
	c.connMu.RLock()
	ch := c.ch
	c.connMu.RUnlock()
	if ch == nil {
		return nil, backbone.ErrNotConnected
	}
	return ch, nil
}

// withChannel runs fn holding the channel lock.
func (c *Client) withChannel(fn func(ch *amqp091.Channel) error) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	c.chMu.Lock()
	defer c.chMu.Unlock()
	return fn(ch)
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: c.opts.TLSConfig,
		Heartbeat:       c.opts.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}

	conn, err := amqp091.DialConfig(c.opts.dialURL(), cfg)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if c.opts.PrefetchCount > 0 || c.opts.PrefetchSize > 0 {
		if err := ch.Qos(c.opts.PrefetchCount, c.opts.PrefetchSize, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	c.connMu.Lock()
	c.conn = conn
	c.ch = ch
	c.connMu.Unlock()

	c.connected.Store(true)
	c.watchClose(conn, ch)

	c.logger.Info("backbone_connected", slog.String("address", c.opts.Address))
	c.notify(func(l backbone.Listener) { l.BackboneConnected() })
	return nil
}

func (c *Client) watchClose(conn *amqp091.Connection, ch *amqp091.Channel) {
	connClose := conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp091.Error, 1))

	go func() {
		select {
		case err := <-connClose:
			c.handleDisconnect(err)
		case err := <-chClose:
			c.handleDisconnect(err)
		case <-c.stopCh:
			return
		}
	}()
}

func (c *Client) handleDisconnect(amqpErr *amqp091.Error) {
	if c.closing.Load() {
		return
	}

	if !c.connected.Swap(false) {
		return
	}
	c.dropSubscriptions()
	c.cleanupConn()

	var err error = backbone.ErrNotConnected
	if amqpErr != nil {
		err = amqpErr
	}
	c.logger.Warn("backbone_disconnected", slog.String("error", err.Error()))
	c.notify(func(l backbone.Listener) { l.BackboneDisconnected(err) })

	if c.opts.AutoReconnect {
		c.startReconnect()
	}
}

func (c *Client) startReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.reconnecting.Store(false)

		attempt := 1
		delay := c.opts.ReconnectBackoff
		if delay <= 0 {
			delay = DefaultReconnectBackoff
		}

		maxDelay := c.opts.MaxReconnectWait
		if maxDelay <= 0 {
			maxDelay = DefaultMaxReconnectWait
		}

		for {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.stopCh:
				timer.Stop()
				return
			}

			c.logger.Debug("backbone_reconnecting", slog.Int("attempt", attempt))
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
			err := c.connectOnce(ctx)
			cancel()
			if err == nil {
				return
			}

			attempt++
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}()
}

func (c *Client) dropSubscriptions() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.subsMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (c *Client) cleanupConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
