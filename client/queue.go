// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/dispatch"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
)

// ExchangeOptions describes an exchange binding.
type ExchangeOptions struct {
	Name       string // empty lets the server generate one
	Algorithm  string // direct, fanout, topic or header
	RoutingKey string
	AddQueue   bool // bind a private queue and consume from it
}

// RegisterQueue starts consuming name. An empty name asks the server for a
// private queue; the returned name is the one to publish to.
func (c *Client) RegisterQueue(ctx context.Context, name string) (string, error) {
	var reply dispatch.RegisterQueueReply
	err := c.Request(ctx, dispatch.RegisterQueue.String(), dispatch.RegisterQueueMessage{QueueName: name}, &reply)
	return reply.QueueName, err
}

// RegisterExchange declares an exchange and optionally consumes from a
// queue bound to it. It returns the exchange and queue names.
func (c *Client) RegisterExchange(ctx context.Context, opts ExchangeOptions) (string, string, error) {
	m := dispatch.RegisterExchangeMessage{
		ExchangeName: opts.Name,
		Algorithm:    opts.Algorithm,
		RoutingKey:   opts.RoutingKey,
		AddQueue:     opts.AddQueue,
	}
	var reply dispatch.RegisterExchangeReply
	err := c.Request(ctx, dispatch.RegisterExchange.String(), m, &reply)
	return reply.ExchangeName, reply.QueueName, err
}

// CloseQueue stops consuming a queue or exchange registered earlier.
func (c *Client) CloseQueue(ctx context.Context, name string) error {
	return c.Request(ctx, dispatch.CloseQueue.String(), dispatch.CloseQueueMessage{QueueName: name}, nil)
}

// Publish sends a message to a queue or exchange. It returns once the
// server has published it.
func (c *Client) Publish(ctx context.Context, m bridge.Message) error {
	return c.Request(ctx, dispatch.QueueMessage.String(), m, nil)
}

func (c *Client) deliver(conn *transport.Client, e *envelope.Envelope) {
	defer c.wg.Done()

	var m bridge.Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		c.replyError(conn, e, err)
		return
	}
	h := c.opts.OnQueueMessage
	if h == nil {
		c.replyError(conn, e, ErrNoHandler)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := h(ctx, &m)
	if err != nil {
		c.logger.Debug("client_delivery_failed",
			slog.String("queue", m.QueueName),
			slog.String("correlation_id", m.CorrelationID),
			slog.String("error", err.Error()))
		c.replyError(conn, e, err)
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.replyError(conn, e, err)
		return
	}
	c.send(conn, e.Reply(data))
}
