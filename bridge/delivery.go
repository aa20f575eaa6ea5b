// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/absmach/flowgate/backbone"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
)

var _ backbone.Listener = (*Bridge)(nil)

// handler returns the backbone callback for consumer c of session s. The
// session processes each delivery as a queuemessage request; the delivery
// is acknowledged once the reply arrives.
func (b *Bridge) handler(s *session.Session, c *session.Consumer) backbone.Handler {
	return func(ctx context.Context, d *backbone.Delivery) {
		if !s.IsOpen() {
			b.requeue(s, d)
			return
		}
		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			b.requeue(s, d)
			return
		}

		s.BeginDelivery()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() { <-b.sem }()
			defer s.EndDelivery()
			b.deliver(s, c, d)
		}()
	}
}

func (b *Bridge) deliver(s *session.Session, c *session.Consumer, d *backbone.Delivery) {
	e := envelope.New(CommandQueueMessage, nil)
	m := Message{
		QueueName:     d.Queue,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationID,
		ConsumerTag:   d.ConsumerTag,
		Data:          payload(d.Body),
	}
	if m.CorrelationID == "" {
		m.CorrelationID = e.ID
	}
	if c.Kind == session.KindExchange && m.Exchange == "" {
		m.Exchange = c.Exchange
	}
	data, err := json.Marshal(m)
	if err != nil {
		b.logger.Error("delivery_encode_failed",
			slog.String("session", s.ID()),
			slog.String("queue", d.Queue),
			slog.String("error", err.Error()))
		b.requeue(s, d)
		return
	}
	e.Data = data

	ctx := context.Background()
	if b.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
		defer cancel()
	}
	if _, err := s.Request(ctx, e); err != nil {
		b.logger.Warn("delivery_failed",
			slog.String("session", s.ID()),
			slog.String("queue", d.Queue),
			slog.String("correlation_id", m.CorrelationID),
			slog.String("error", err.Error()))
		b.requeue(s, d)
		return
	}
	if err := d.Ack(); err != nil {
		b.logger.Warn("delivery_ack_failed",
			slog.String("session", s.ID()),
			slog.String("queue", d.Queue),
			slog.String("error", err.Error()))
	}
}

// requeue negatively acknowledges d after the requeue delay so a failing
// consumer does not spin on the same message.
func (b *Bridge) requeue(s *session.Session, d *backbone.Delivery) {
	nack := func() {
		if err := d.Nack(true); err != nil {
			b.logger.Debug("delivery_nack_failed",
				slog.String("session", s.ID()),
				slog.String("queue", d.Queue),
				slog.String("error", err.Error()))
		}
	}

	select {
	case <-b.done:
		nack()
		return
	default:
	}

	b.wg.Add(1)
	t := time.NewTimer(b.cfg.RequeueDelay)
	go func() {
		defer b.wg.Done()
		defer t.Stop()
		select {
		case <-t.C:
		case <-b.done:
		}
		nack()
	}()
}

// payload keeps JSON bodies as they are and wraps anything else in a JSON
// string.
func payload(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return body
	}
	raw, _ := json.Marshal(string(body))
	return raw
}

// BackboneDisconnected tells every session that its consumers are gone and
// keeps their registrations for the rebuild.
func (b *Bridge) BackboneDisconnected(err error) {
	b.logger.Warn("backbone_disconnected", slog.Any("error", err))

	b.registry.Range(func(s *session.Session) bool {
		unlock := b.lock(s)
		consumers := s.Consumers()
		if len(consumers) == 0 {
			unlock()
			return true
		}
		kept := make([]*session.Consumer, 0, len(consumers))
		for _, c := range consumers {
			cp := *c
			cp.Tag = ""
			kept = append(kept, &cp)
		}
		s.ReplaceConsumers(kept)
		unlock()

		if !s.IsOpen() {
			return true
		}
		for _, c := range consumers {
			b.notifyClosed(s, c)
		}
		return true
	})
}

func (b *Bridge) notifyClosed(s *session.Session, c *session.Consumer) {
	command := CommandQueueClosed
	notice := ClosedNotice{QueueName: c.Queue}
	if c.Kind == session.KindExchange {
		command = CommandExchangeClosed
		notice.ExchangeName = c.Exchange
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()
	if err := s.Send(ctx, envelope.New(command, data)); err != nil {
		b.logger.Debug("consumer_closed_notice_failed",
			slog.String("session", s.ID()),
			slog.String("queue", c.Queue),
			slog.String("error", err.Error()))
	}
}

// BackboneConnected rebuilds every recorded consumer whose binding was lost.
func (b *Bridge) BackboneConnected() {
	b.logger.Info("backbone_connected")

	ctx := context.Background()
	b.registry.Range(func(s *session.Session) bool {
		if s.IsOpen() {
			b.rebuild(ctx, s)
		}
		return true
	})
}

func (b *Bridge) rebuild(ctx context.Context, s *session.Session) {
	unlock := b.lock(s)
	defer unlock()

	for _, c := range s.Consumers() {
		if c.Tag != "" {
			continue
		}
		rc := *c
		var err error
		if rc.Kind == session.KindExchange {
			err = b.startExchange(ctx, s, &rc)
		} else {
			err = b.startQueue(ctx, s, &rc)
		}
		if err != nil {
			// Keep the registration for the next reconnect.
			s.AddConsumer(c)
			b.logger.Warn("consumer_rebuild_failed",
				slog.String("session", s.ID()),
				slog.String("kind", rc.Kind.String()),
				slog.String("queue", rc.Queue),
				slog.String("exchange", rc.Exchange),
				slog.String("error", err.Error()))
			continue
		}
		b.logger.Info("consumer_rebuilt",
			slog.String("session", s.ID()),
			slog.String("queue", rc.Queue),
			slog.String("exchange", rc.Exchange))
	}
}
