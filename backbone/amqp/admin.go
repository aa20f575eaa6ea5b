// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"

	"github.com/absmach/flowgate/backbone"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// DeclareQueue declares a queue and returns its name, which the broker
// generates when opts.Name is empty.
func (c *Client) DeclareQueue(_ context.Context, opts backbone.QueueOptions) (string, error) {
	var args amqp091.Table
	if opts.MessageTTL > 0 {
		args = amqp091.Table{"x-message-ttl": opts.MessageTTL.Milliseconds()}
	}

	var name string
	err := c.withChannel(func(ch *amqp091.Channel) error {
		q, err := ch.QueueDeclare(
			opts.Name,
			opts.Durable,
			opts.AutoDelete,
			opts.Exclusive,
			false, // no-wait
			args,
		)
		name = q.Name
		return err
	})
	return name, err
}

// DeleteQueue deletes a queue.
func (c *Client) DeleteQueue(_ context.Context, name string) error {
	if name == "" {
		return backbone.ErrInvalidQueueName
	}
	return c.withChannel(func(ch *amqp091.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}

// DeclareExchange declares an exchange.
func (c *Client) DeclareExchange(_ context.Context, opts backbone.ExchangeOptions) error {
	if opts.Name == "" {
		return backbone.ErrInvalidExchange
	}
	kind, err := backbone.ParseKind(opts.Kind)
	if err != nil {
		return err
	}
	return c.withChannel(func(ch *amqp091.Channel) error {
		return ch.ExchangeDeclare(
			opts.Name,
			kind,
			opts.Durable,
			opts.AutoDelete,
			false, // internal
			false, // no-wait
			nil,
		)
	})
}

// BindQueue binds queue to exchange with routingKey.
func (c *Client) BindQueue(_ context.Context, queue, exchange, routingKey string, args map[string]any) error {
	if queue == "" {
		return backbone.ErrInvalidQueueName
	}
	if exchange == "" {
		return backbone.ErrInvalidExchange
	}
	return c.withChannel(func(ch *amqp091.Channel) error {
		return ch.QueueBind(queue, routingKey, exchange, false, amqp091.Table(args))
	})
}
