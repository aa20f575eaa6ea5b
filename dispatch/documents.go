// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/absmach/flowgate/docstore"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
	"github.com/google/uuid"
)

func (d *Dispatcher) query(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Documents == nil {
		return nil, ErrUnavailable
	}
	q, err := decode[docstore.Query](e)
	if err != nil {
		return nil, err
	}
	docs, err := d.svc.Documents.Query(ctx, s.Identity(), q)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	return Result[[]docstore.Document]{Result: docs}, nil
}

func (d *Dispatcher) insertOne(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Documents == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[DocumentMessage](e)
	if err != nil {
		return nil, err
	}
	doc, err := d.svc.Documents.Insert(ctx, s.Identity(), m.Collection, m.Item)
	if err != nil {
		return nil, err
	}
	return Result[docstore.Document]{Result: doc}, nil
}

func (d *Dispatcher) updateOne(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Documents == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[DocumentMessage](e)
	if err != nil {
		return nil, err
	}
	doc, err := d.svc.Documents.Update(ctx, s.Identity(), m.Collection, m.Item)
	if err != nil {
		return nil, err
	}
	return Result[docstore.Document]{Result: doc}, nil
}

func (d *Dispatcher) deleteOne(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Documents == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[DeleteOneMessage](e)
	if err != nil {
		return nil, err
	}
	if err := d.svc.Documents.Delete(ctx, s.Identity(), m.Collection, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// watch opens a change stream that outlives the request. It ends when the
// peer unwatches or the session is torn down.
func (d *Dispatcher) watch(_ context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Documents == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[WatchMessage](e)
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := d.svc.Documents.Watch(ctx, s.Identity(), m.Collection, m.Aggregates)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := s.AddWatch(session.NewWatch(m.ID, m.Collection, m.Aggregates, cancel)); err != nil {
		cancel()
		return nil, err
	}
	go d.forward(ctx, s, m.ID, changes)
	return WatchReply{ID: m.ID}, nil
}

func (d *Dispatcher) forward(ctx context.Context, s *session.Session, id string, changes <-chan docstore.Change) {
	for c := range changes {
		data, err := json.Marshal(WatchEvent{ID: id, Result: c})
		if err != nil {
			continue
		}
		if err := s.Send(ctx, envelope.New(CommandWatchEvent, data)); err != nil && ctx.Err() == nil {
			d.logger.Debug("watch_event_dropped",
				slog.String("session", s.ID()),
				slog.String("watch", id),
				slog.String("error", err.Error()))
		}
	}
}

func (d *Dispatcher) unwatch(_ context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	m, err := decode[UnwatchMessage](e)
	if err != nil {
		return nil, err
	}
	s.RemoveWatch(m.ID)
	return m, nil
}
