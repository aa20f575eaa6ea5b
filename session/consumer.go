// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
)

// ConsumerKind tells queue consumers from exchange consumers.
type ConsumerKind int

const (
	KindQueue ConsumerKind = iota
	KindExchange
)

func (k ConsumerKind) String() string {
	if k == KindExchange {
		return "exchange"
	}
	return "queue"
}

// Consumer is one backbone binding owned by a session. The fields record
// what was requested so the binding can be rebuilt after a backbone
// reconnect.
type Consumer struct {
	Kind ConsumerKind
	// Requested is the queue name the peer asked for, empty for a generated
	// name.
	Requested string
	// Queue is the backbone queue being consumed.
	Queue      string
	Exchange   string
	Algorithm  string
	RoutingKey string
	AutoCreate bool
	Exclusive  bool
	AutoDelete bool
	// Tag identifies the backbone consumer; empty while disconnected.
	Tag string
}

// Key returns the name the consumer is registered under.
func (c *Consumer) Key() string {
	if c.Kind == KindExchange {
		return c.Exchange
	}
	return c.Queue
}

// Watch is one change stream subscription owned by a session.
type Watch struct {
	ID         string
	Collection string
	Pipeline   json.RawMessage
	cancel     context.CancelFunc
}

// NewWatch creates a watch cancelled by cancel.
func NewWatch(id, collection string, pipeline json.RawMessage, cancel context.CancelFunc) *Watch {
	return &Watch{ID: id, Collection: collection, Pipeline: pipeline, cancel: cancel}
}

// AddConsumer registers c under its key and returns the consumer it
// replaced, if any. The caller must cancel the replaced consumer on the
// backbone.
func (s *Session) AddConsumer(c *Consumer) (*Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return nil, ErrSessionClosed
	}
	m := s.consumersLocked(c.Kind)
	old := m[c.Key()]
	m[c.Key()] = c
	return old, nil
}

// RemoveConsumer unregisters the consumer under name. It reports false
// when none was registered.
func (s *Session) RemoveConsumer(kind ConsumerKind, name string) (*Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.consumersLocked(kind)
	c, ok := m[name]
	if ok {
		delete(m, name)
	}
	return c, ok
}

// Consumer returns the consumer registered under name.
func (s *Session) Consumer(kind ConsumerKind, name string) (*Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumersLocked(kind)[name]
	return c, ok
}

// Consumers returns a snapshot of all consumers ordered by kind and name.
func (s *Session) Consumers() []*Consumer {
	s.mu.Lock()
	out := make([]*Consumer, 0, len(s.queues)+len(s.exchanges))
	for _, c := range s.queues {
		out = append(out, c)
	}
	for _, c := range s.exchanges {
		out = append(out, c)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Consumer) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}

// ConsumerCount returns the number of registered consumers.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues) + len(s.exchanges)
}

// ReplaceConsumers swaps the whole consumer set, used when bindings are
// dropped on backbone disconnect and rebuilt on reconnect.
func (s *Session) ReplaceConsumers(consumers []*Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.queues = make(map[string]*Consumer)
	s.exchanges = make(map[string]*Consumer)
	for _, c := range consumers {
		s.consumersLocked(c.Kind)[c.Key()] = c
	}
}

func (s *Session) consumersLocked(kind ConsumerKind) map[string]*Consumer {
	if kind == KindExchange {
		return s.exchanges
	}
	return s.queues
}

// AddWatch registers w. Watch ids are unique per session.
func (s *Session) AddWatch(w *Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return ErrSessionClosed
	}
	if _, ok := s.watches[w.ID]; ok {
		return ErrWatchExists
	}
	s.watches[w.ID] = w
	return nil
}

// RemoveWatch cancels and unregisters the watch with id.
func (s *Session) RemoveWatch(id string) bool {
	s.mu.Lock()
	w, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()

	if ok {
		w.cancel()
	}
	return ok
}

// WatchCount returns the number of active watches.
func (s *Session) WatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}
