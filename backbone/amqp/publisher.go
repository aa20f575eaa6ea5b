// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"strconv"
	"time"

	"github.com/absmach/flowgate/backbone"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Publish sends p through the publish circuit breaker. While the breaker
// is open, publishes fail fast with gobreaker.ErrOpenState.
func (c *Client) Publish(ctx context.Context, p backbone.Publishing) error {
	if p.Exchange == "" && p.RoutingKey == "" {
		return backbone.ErrInvalidQueueName
	}

	msg := amqp091.Publishing{
		Timestamp:     time.Now(),
		ContentType:   p.ContentType,
		ReplyTo:       p.ReplyTo,
		CorrelationId: p.CorrelationID,
		Body:          p.Body,
	}
	if p.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(p.Expiration.Milliseconds(), 10)
	}
	if len(p.Headers) > 0 {
		msg.Headers = amqp091.Table(p.Headers)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.withChannel(func(ch *amqp091.Channel) error {
			return ch.PublishWithContext(ctx, p.Exchange, p.RoutingKey, false, false, msg)
		})
	})
	return err
}
