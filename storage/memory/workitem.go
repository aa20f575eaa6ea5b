// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/absmach/flowgate/workitem"
)

var _ workitem.Store = (*WorkitemStore)(nil)

// WorkitemStore is an in-memory workitem store.
type WorkitemStore struct {
	mu      sync.RWMutex
	queues  map[string]*workitem.Queue
	names   map[string]string
	items   map[string]*workitem.Item
	byQueue map[string]map[string]struct{}
	seq     uint64
}

// NewWorkitemStore creates an empty workitem store.
func NewWorkitemStore() *WorkitemStore {
	return &WorkitemStore{
		queues:  make(map[string]*workitem.Queue),
		names:   make(map[string]string),
		items:   make(map[string]*workitem.Item),
		byQueue: make(map[string]map[string]struct{}),
	}
}

func (s *WorkitemStore) CreateQueue(_ context.Context, q *workitem.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.names[q.Name]; ok {
		return workitem.ErrQueueExists
	}
	if _, ok := s.queues[q.ID]; ok {
		return workitem.ErrQueueExists
	}
	cp := *q
	s.queues[q.ID] = &cp
	s.names[q.Name] = q.ID
	return nil
}

func (s *WorkitemStore) UpdateQueue(_ context.Context, q *workitem.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.queues[q.ID]
	if !ok {
		return workitem.ErrQueueNotFound
	}
	if old.Name != q.Name {
		if _, taken := s.names[q.Name]; taken {
			return workitem.ErrQueueExists
		}
		delete(s.names, old.Name)
		s.names[q.Name] = q.ID
	}
	cp := *q
	s.queues[q.ID] = &cp
	return nil
}

func (s *WorkitemStore) GetQueue(_ context.Context, id string) (*workitem.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, workitem.ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *WorkitemStore) GetQueueByName(ctx context.Context, name string) (*workitem.Queue, error) {
	s.mu.RLock()
	id, ok := s.names[name]
	s.mu.RUnlock()
	if !ok {
		return nil, workitem.ErrQueueNotFound
	}
	return s.GetQueue(ctx, id)
}

func (s *WorkitemStore) DeleteQueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return workitem.ErrQueueNotFound
	}
	delete(s.names, q.Name)
	delete(s.queues, id)
	return nil
}

func (s *WorkitemStore) ListQueues(_ context.Context) ([]*workitem.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*workitem.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		cp := *q
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *workitem.Queue) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *WorkitemStore) Insert(_ context.Context, item *workitem.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return workitem.ErrConflict
	}
	s.seq++
	item.Seq = s.seq
	s.items[item.ID] = item.Clone()

	ids, ok := s.byQueue[item.QueueID]
	if !ok {
		ids = make(map[string]struct{})
		s.byQueue[item.QueueID] = ids
	}
	ids[item.ID] = struct{}{}
	return nil
}

func (s *WorkitemStore) Get(_ context.Context, id string) (*workitem.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, workitem.ErrItemNotFound
	}
	return item.Clone(), nil
}

func (s *WorkitemStore) Replace(_ context.Context, item *workitem.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(item)
}

func (s *WorkitemStore) CompareAndSwap(_ context.Context, cond workitem.Claim, item *workitem.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[cond.ID]
	if !ok {
		return workitem.ErrItemNotFound
	}
	if !cond.Matches(cur) {
		return workitem.ErrConflict
	}
	return s.replaceLocked(item)
}

func (s *WorkitemStore) replaceLocked(item *workitem.Item) error {
	cur, ok := s.items[item.ID]
	if !ok {
		return workitem.ErrItemNotFound
	}
	if cur.QueueID != item.QueueID {
		delete(s.byQueue[cur.QueueID], item.ID)
		ids, ok := s.byQueue[item.QueueID]
		if !ok {
			ids = make(map[string]struct{})
			s.byQueue[item.QueueID] = ids
		}
		ids[item.ID] = struct{}{}
	}
	cp := item.Clone()
	cp.Seq = cur.Seq
	s.items[item.ID] = cp
	return nil
}

func (s *WorkitemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return workitem.ErrItemNotFound
	}
	delete(s.byQueue[item.QueueID], id)
	delete(s.items, id)
	return nil
}

func (s *WorkitemStore) Due(_ context.Context, queueID string, now time.Time, limit int) ([]*workitem.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*workitem.Item
	for id := range s.byQueue[queueID] {
		item := s.items[id]
		if item.Due(now) {
			due = append(due, item)
		}
	}
	slices.SortFunc(due, func(a, b *workitem.Item) int {
		if workitem.Less(a, b) {
			return -1
		}
		if workitem.Less(b, a) {
			return 1
		}
		return 0
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*workitem.Item, len(due))
	for i, item := range due {
		out[i] = item.Clone()
	}
	return out, nil
}

func (s *WorkitemStore) ListByQueue(_ context.Context, queueID string) ([]*workitem.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*workitem.Item, 0, len(s.byQueue[queueID]))
	for id := range s.byQueue[queueID] {
		out = append(out, s.items[id].Clone())
	}
	slices.SortFunc(out, func(a, b *workitem.Item) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out, nil
}

func (s *WorkitemStore) CountByQueue(_ context.Context, queueID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byQueue[queueID]), nil
}
