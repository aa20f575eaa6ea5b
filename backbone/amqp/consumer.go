// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/flowgate/backbone"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

type subscription struct {
	queue   string
	tag     string
	handler backbone.Handler
	done    chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// Consume starts a manual-ack consumer on queue.
func (c *Client) Consume(_ context.Context, queue string, exclusive bool, h backbone.Handler) (string, error) {
	if queue == "" {
		return "", backbone.ErrInvalidQueueName
	}
	if h == nil {
		return "", backbone.ErrNilHandler
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		queue:   queue,
		tag:     "ctag-" + strings.ReplaceAll(queue, "/", "-") + "-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		handler: h,
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	var deliveries <-chan amqp091.Delivery
	err := c.withChannel(func(ch *amqp091.Channel) error {
		var err error
		deliveries, err = ch.Consume(
			sub.queue,
			sub.tag,
			false, // auto-ack
			exclusive,
			false, // no-local
			false, // no-wait
			nil,
		)
		return err
	})
	if err != nil {
		cancel()
		return "", err
	}

	c.subsMu.Lock()
	c.subs[sub.tag] = sub
	c.subsMu.Unlock()

	go c.deliver(subCtx, sub, deliveries)
	return sub.tag, nil
}

func (c *Client) deliver(ctx context.Context, sub *subscription, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-sub.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			sub.handler(ctx, c.delivery(sub, d))
		}
	}
}

func (c *Client) delivery(sub *subscription, d amqp091.Delivery) *backbone.Delivery {
	ack := func() error {
		c.chMu.Lock()
		defer c.chMu.Unlock()
		return d.Ack(false)
	}
	nack := func(requeue bool) error {
		c.chMu.Lock()
		defer c.chMu.Unlock()
		return d.Nack(false, requeue)
	}
	out := backbone.NewDelivery(ack, nack)
	out.Queue = sub.queue
	out.Exchange = d.Exchange
	out.RoutingKey = d.RoutingKey
	out.ConsumerTag = sub.tag
	out.ContentType = d.ContentType
	out.ReplyTo = d.ReplyTo
	out.CorrelationID = d.CorrelationId
	out.Body = d.Body
	out.Redelivered = d.Redelivered
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Cancel stops the consumer with tag.
func (c *Client) Cancel(ctx context.Context, tag string) error {
	c.subsMu.Lock()
	sub, ok := c.subs[tag]
	if ok {
		delete(c.subs, tag)
	}
	c.subsMu.Unlock()

	if !ok {
		return nil
	}
	sub.close()

	err := c.withChannel(func(ch *amqp091.Channel) error {
		return ch.Cancel(sub.tag, false)
	})
	if errors.Is(err, backbone.ErrNotConnected) {
		// The consumer died with the connection.
		return nil
	}
	return err
}
