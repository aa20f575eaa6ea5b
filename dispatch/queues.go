// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"

	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
)

func (d *Dispatcher) registerQueue(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Queues == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[RegisterQueueMessage](e)
	if err != nil {
		return nil, err
	}
	name, err := d.svc.Queues.RegisterQueue(ctx, s, m.QueueName)
	if err != nil {
		return nil, err
	}
	return RegisterQueueReply{QueueName: name}, nil
}

func (d *Dispatcher) registerExchange(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Queues == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[RegisterExchangeMessage](e)
	if err != nil {
		return nil, err
	}
	exchange, queue, err := d.svc.Queues.RegisterExchange(ctx, s, m.ExchangeName, m.Algorithm, m.RoutingKey, m.AddQueue)
	if err != nil {
		return nil, err
	}
	return RegisterExchangeReply{ExchangeName: exchange, QueueName: queue}, nil
}

func (d *Dispatcher) closeQueue(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Queues == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[CloseQueueMessage](e)
	if err != nil {
		return nil, err
	}
	if err := d.svc.Queues.CloseConsumer(ctx, s, m.QueueName); err != nil {
		return nil, err
	}
	return m, nil
}

// queueMessage publishes for the peer and echoes the routing fields back.
func (d *Dispatcher) queueMessage(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Queues == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[bridge.Message](e)
	if err != nil {
		return nil, err
	}
	if err := d.svc.Queues.QueueMessage(ctx, s, m); err != nil {
		return nil, err
	}
	m.Data = nil
	return m, nil
}
