// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"

	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/workitem"
)

func (d *Dispatcher) addWorkitemQueue(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	req, err := decode[workitem.AddQueueRequest](e)
	if err != nil {
		return nil, err
	}
	q, err := d.svc.Workitems.AddQueue(ctx, s.Identity(), req)
	if err != nil {
		return nil, err
	}
	return Result[*workitem.Queue]{Result: q}, nil
}

func (d *Dispatcher) getWorkitemQueue(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	ref, err := decode[workitem.QueueRef](e)
	if err != nil {
		return nil, err
	}
	q, err := d.svc.Workitems.GetQueue(ctx, s.Identity(), ref)
	if err != nil {
		return nil, err
	}
	return Result[*workitem.Queue]{Result: q}, nil
}

func (d *Dispatcher) updateWorkitemQueue(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	req, err := decode[workitem.UpdateQueueRequest](e)
	if err != nil {
		return nil, err
	}
	q, err := d.svc.Workitems.UpdateQueue(ctx, s.Identity(), req)
	if err != nil {
		return nil, err
	}
	return Result[*workitem.Queue]{Result: q}, nil
}

func (d *Dispatcher) deleteWorkitemQueue(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	ref, err := decode[workitem.QueueRef](e)
	if err != nil {
		return nil, err
	}
	if err := d.svc.Workitems.DeleteQueue(ctx, s.Identity(), ref); err != nil {
		return nil, err
	}
	return ref, nil
}

func (d *Dispatcher) addWorkitem(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	req, err := decode[workitem.AddItemRequest](e)
	if err != nil {
		return nil, err
	}
	item, err := d.svc.Workitems.Add(ctx, s.Identity(), req)
	if err != nil {
		return nil, err
	}
	return Result[*workitem.Item]{Result: item}, nil
}

func (d *Dispatcher) addWorkitems(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	req, err := decode[workitem.AddItemsRequest](e)
	if err != nil {
		return nil, err
	}
	items, err := d.svc.Workitems.AddMany(ctx, s.Identity(), req)
	if err != nil {
		return nil, err
	}
	return Result[[]*workitem.Item]{Result: items}, nil
}

// popWorkitem answers with a null result when nothing is due.
func (d *Dispatcher) popWorkitem(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	req, err := decode[workitem.PopRequest](e)
	if err != nil {
		return nil, err
	}
	item, err := d.svc.Workitems.Pop(ctx, s.Identity(), req)
	if errors.Is(err, workitem.ErrNoItem) {
		return Result[*workitem.Item]{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Result[*workitem.Item]{Result: item}, nil
}

func (d *Dispatcher) updateWorkitem(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	req, err := decode[workitem.UpdateItemRequest](e)
	if err != nil {
		return nil, err
	}
	item, err := d.svc.Workitems.Update(ctx, s.Identity(), req)
	if err != nil {
		return nil, err
	}
	return Result[*workitem.Item]{Result: item}, nil
}

func (d *Dispatcher) deleteWorkitem(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Workitems == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[DeleteWorkitemMessage](e)
	if err != nil {
		return nil, err
	}
	if err := d.svc.Workitems.Delete(ctx, s.Identity(), m.ID); err != nil {
		return nil, err
	}
	return m, nil
}
