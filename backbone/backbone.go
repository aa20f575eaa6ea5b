// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backbone defines the external publish/subscribe broker the
// server bridges sessions to: queues and exchanges, consumers with manual
// acknowledgement and connection lifecycle notifications.
package backbone

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Exchange kinds.
const (
	KindDirect  = "direct"
	KindFanout  = "fanout"
	KindTopic   = "topic"
	KindHeaders = "headers"
)

var (
	ErrNotConnected     = errors.New("backbone not connected")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
	ErrInvalidExchange  = errors.New("exchange name cannot be empty")
	ErrInvalidKind      = errors.New("invalid exchange algorithm")
	ErrNilHandler       = errors.New("handler cannot be nil")
	ErrUnknownConsumer  = errors.New("unknown consumer")
	ErrClosed           = errors.New("backbone closed")
	ErrAlreadySettled   = errors.New("delivery already acknowledged")
)

// ParseKind maps an exchange algorithm to its kind. "header" is accepted
// as an alias of "headers".
func ParseKind(algorithm string) (string, error) {
	switch algorithm {
	case KindDirect, KindFanout, KindTopic, KindHeaders:
		return algorithm, nil
	case "header":
		return KindHeaders, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, algorithm)
	}
}

// QueueOptions configures a queue declaration. An empty name asks the
// backbone to generate one.
type QueueOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// MessageTTL bounds how long messages wait in the queue.
	MessageTTL time.Duration
}

// ExchangeOptions configures an exchange declaration.
type ExchangeOptions struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// Publishing is one outbound message. An empty Exchange publishes to the
// queue named by RoutingKey.
type Publishing struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	ContentType   string
	ReplyTo       string
	CorrelationID string
	Expiration    time.Duration
	Headers       map[string]any
}

// Delivery is one inbound message. It must be settled exactly once with
// Ack or Nack.
type Delivery struct {
	Queue         string
	Exchange      string
	RoutingKey    string
	ConsumerTag   string
	ContentType   string
	ReplyTo       string
	CorrelationID string
	Headers       map[string]any
	Body          []byte
	Redelivered   bool

	ack  func() error
	nack func(requeue bool) error
	done bool
}

// NewDelivery creates a delivery settled through ack and nack.
func NewDelivery(ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{ack: ack, nack: nack}
}

// Ack acknowledges successful processing.
func (d *Delivery) Ack() error {
	if d.done {
		return ErrAlreadySettled
	}
	d.done = true
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, returning it to the queue when requeue is set.
func (d *Delivery) Nack(requeue bool) error {
	if d.done {
		return ErrAlreadySettled
	}
	d.done = true
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Handler processes one delivery. Deliveries of one consumer are handed to
// the handler sequentially.
type Handler func(ctx context.Context, d *Delivery)

// Listener is notified about backbone connection changes.
type Listener interface {
	BackboneConnected()
	BackboneDisconnected(err error)
}

// Backbone is the external broker. Consumers do not survive a disconnect;
// the owner of a consumer recreates it after BackboneConnected.
type Backbone interface {
	DeclareQueue(ctx context.Context, opts QueueOptions) (string, error)
	DeleteQueue(ctx context.Context, name string) error
	DeclareExchange(ctx context.Context, opts ExchangeOptions) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string, args map[string]any) error
	// Consume starts delivering messages of queue to h and returns the
	// consumer tag.
	Consume(ctx context.Context, queue string, exclusive bool, h Handler) (string, error)
	// Cancel stops the consumer with tag. Cancelling an unknown consumer
	// is not an error.
	Cancel(ctx context.Context, tag string) error
	Publish(ctx context.Context, p Publishing) error
	IsConnected() bool
	SetListener(l Listener)
	Close() error
}
