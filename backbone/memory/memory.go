// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements an in-process backbone with AMQP routing
// semantics. It serves single node deployments without an external broker
// and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/absmach/flowgate/backbone"
	"github.com/absmach/flowgate/topics"
	"github.com/google/uuid"
)

var _ backbone.Backbone = (*Backbone)(nil)

type message struct {
	pub         backbone.Publishing
	exchange    string
	routingKey  string
	expires     time.Time
	redelivered bool
}

type queue struct {
	opts    backbone.QueueOptions
	mu      sync.Mutex
	msgs    []*message
	signal  chan struct{}
	closed  chan struct{}
	holders int
}

func newQueue(opts backbone.QueueOptions) *queue {
	return &queue{
		opts:   opts,
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *queue) push(m *message, front bool) {
	q.mu.Lock()
	if front {
		q.msgs = append([]*message{m}, q.msgs...)
	} else {
		q.msgs = append(q.msgs, m)
	}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop(done <-chan struct{}, now func() time.Time) (*message, bool) {
	for {
		q.mu.Lock()
		for len(q.msgs) > 0 {
			m := q.msgs[0]
			q.msgs = q.msgs[1:]
			if !m.expires.IsZero() && now().After(m.expires) {
				continue
			}
			remaining := len(q.msgs)
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return m, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-done:
			return nil, false
		case <-q.closed:
			return nil, false
		}
	}
}

// Len returns the number of queued messages.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type binding struct {
	queue string
	key   string
	args  map[string]any
}

type exchange struct {
	opts     backbone.ExchangeOptions
	bindings []binding
}

type consumer struct {
	tag    string
	queue  *queue
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

func (c *consumer) stop() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// Backbone is an in-process backbone.
type Backbone struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	consumers map[string]*consumer
	connected bool
	closed    bool
	now       func() time.Time

	listenerMu sync.RWMutex
	listener   backbone.Listener
}

// New creates a connected in-process backbone.
func New() *Backbone {
	return &Backbone{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		consumers: make(map[string]*consumer),
		connected: true,
		now:       time.Now,
	}
}

// SetListener registers the connection change listener.
func (b *Backbone) SetListener(l backbone.Listener) {
	b.listenerMu.Lock()
	b.listener = l
	b.listenerMu.Unlock()
}

func (b *Backbone) notify(fn func(backbone.Listener)) {
	b.listenerMu.RLock()
	l := b.listener
	b.listenerMu.RUnlock()
	if l != nil {
		fn(l)
	}
}

// IsConnected reports whether the backbone accepts operations.
func (b *Backbone) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

func (b *Backbone) checkLocked() error {
	if b.closed {
		return backbone.ErrClosed
	}
	if !b.connected {
		return backbone.ErrNotConnected
	}
	return nil
}

// DeclareQueue declares a queue, generating a name when none is given.
// Redeclaring an existing queue is a no-op.
func (b *Backbone) DeclareQueue(_ context.Context, opts backbone.QueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(); err != nil {
		return "", err
	}
	if opts.Name == "" {
		opts.Name = "amq.gen-" + uuid.NewString()
	}
	if _, ok := b.queues[opts.Name]; !ok {
		b.queues[opts.Name] = newQueue(opts)
	}
	return opts.Name, nil
}

// DeleteQueue deletes a queue, stopping its consumers.
func (b *Backbone) DeleteQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(); err != nil {
		return err
	}
	b.deleteQueueLocked(name)
	return nil
}

func (b *Backbone) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	delete(b.queues, name)
	close(q.closed)
	for tag, c := range b.consumers {
		if c.queue == q {
			c.stop()
			delete(b.consumers, tag)
		}
	}
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

// DeclareExchange declares an exchange.
func (b *Backbone) DeclareExchange(_ context.Context, opts backbone.ExchangeOptions) error {
	if opts.Name == "" {
		return backbone.ErrInvalidExchange
	}
	kind, err := backbone.ParseKind(opts.Kind)
	if err != nil {
		return err
	}
	opts.Kind = kind

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(); err != nil {
		return err
	}
	if ex, ok := b.exchanges[opts.Name]; ok {
		if ex.opts.Kind != kind {
			return fmt.Errorf("exchange %s already declared as %s", opts.Name, ex.opts.Kind)
		}
		return nil
	}
	b.exchanges[opts.Name] = &exchange{opts: opts}
	return nil
}

// BindQueue binds queue to exchange.
func (b *Backbone) BindQueue(_ context.Context, queue, exchange, routingKey string, args map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(); err != nil {
		return err
	}
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("%w: %s", backbone.ErrInvalidQueueName, queue)
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: %s", backbone.ErrInvalidExchange, exchange)
	}
	ex.bindings = append(ex.bindings, binding{queue: queue, key: routingKey, args: maps.Clone(args)})
	return nil
}

// Consume starts delivering queue messages to h on a dedicated goroutine.
func (b *Backbone) Consume(_ context.Context, queue string, exclusive bool, h backbone.Handler) (string, error) {
	if h == nil {
		return "", backbone.ErrNilHandler
	}

	b.mu.Lock()
	if err := b.checkLocked(); err != nil {
		b.mu.Unlock()
		return "", err
	}
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", backbone.ErrInvalidQueueName, queue)
	}
	if exclusive && q.holders > 0 {
		b.mu.Unlock()
		return "", fmt.Errorf("queue %s has an exclusive consumer", queue)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		tag:    "ctag-" + uuid.NewString(),
		queue:  q,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	q.holders++
	b.consumers[c.tag] = c
	b.mu.Unlock()

	go b.run(ctx, c, queue, h)
	return c.tag, nil
}

func (b *Backbone) run(ctx context.Context, c *consumer, name string, h backbone.Handler) {
	for {
		m, ok := c.queue.pop(c.done, b.now)
		if !ok {
			return
		}
		q := c.queue
		d := backbone.NewDelivery(
			func() error { return nil },
			func(requeue bool) error {
				if requeue {
					m.redelivered = true
					q.push(m, true)
				}
				return nil
			},
		)
		d.Queue = name
		d.Exchange = m.exchange
		d.RoutingKey = m.routingKey
		d.ConsumerTag = c.tag
		d.ContentType = m.pub.ContentType
		d.ReplyTo = m.pub.ReplyTo
		d.CorrelationID = m.pub.CorrelationID
		d.Headers = m.pub.Headers
		d.Body = m.pub.Body
		d.Redelivered = m.redelivered
		h(ctx, d)
	}
}

// Cancel stops the consumer with tag. Auto-delete queues are removed with
// their last consumer.
func (b *Backbone) Cancel(_ context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.consumers[tag]
	if !ok {
		return nil
	}
	delete(b.consumers, tag)
	c.stop()
	c.queue.holders--
	if c.queue.holders <= 0 && c.queue.opts.AutoDelete {
		b.deleteQueueLocked(c.queue.opts.Name)
	}
	return nil
}

// Publish routes p to the matching queues. Unroutable messages are
// dropped.
func (b *Backbone) Publish(_ context.Context, p backbone.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(); err != nil {
		return err
	}

	var targets []*queue
	if p.Exchange == "" {
		if q, ok := b.queues[p.RoutingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := b.exchanges[p.Exchange]
		if !ok {
			return fmt.Errorf("%w: %s", backbone.ErrInvalidExchange, p.Exchange)
		}
		seen := make(map[string]bool)
		for _, bd := range ex.bindings {
			if seen[bd.queue] || !matches(ex.opts.Kind, bd, p) {
				continue
			}
			if q, ok := b.queues[bd.queue]; ok {
				seen[bd.queue] = true
				targets = append(targets, q)
			}
		}
	}

	now := b.now()
	for _, q := range targets {
		m := &message{pub: p, exchange: p.Exchange, routingKey: p.RoutingKey}
		ttl := p.Expiration
		if q.opts.MessageTTL > 0 && (ttl == 0 || q.opts.MessageTTL < ttl) {
			ttl = q.opts.MessageTTL
		}
		if ttl > 0 {
			m.expires = now.Add(ttl)
		}
		q.push(m, false)
	}
	return nil
}

// QueueLen returns the number of messages waiting in queue.
func (b *Backbone) QueueLen(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}

// HasQueue reports whether queue is declared.
func (b *Backbone) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Consumers returns the number of active consumers.
func (b *Backbone) Consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// Disconnect simulates a lost connection: consumers stop, exclusive and
// auto-delete queues vanish and the listener is told.
func (b *Backbone) Disconnect(err error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	for tag, c := range b.consumers {
		c.stop()
		c.queue.holders--
		delete(b.consumers, tag)
	}
	for name, q := range b.queues {
		if q.opts.Exclusive || q.opts.AutoDelete {
			b.deleteQueueLocked(name)
		}
	}
	b.mu.Unlock()

	if err == nil {
		err = backbone.ErrNotConnected
	}
	b.notify(func(l backbone.Listener) { l.BackboneDisconnected(err) })
}

// Reconnect restores a connection lost through Disconnect.
func (b *Backbone) Reconnect() {
	b.mu.Lock()
	if b.connected || b.closed {
		b.mu.Unlock()
		return
	}
	b.connected = true
	b.mu.Unlock()

	b.notify(func(l backbone.Listener) { l.BackboneConnected() })
}

// Close stops every consumer.
func (b *Backbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for tag, c := range b.consumers {
		c.stop()
		delete(b.consumers, tag)
	}
	return nil
}

func matches(kind string, bd binding, p backbone.Publishing) bool {
	switch kind {
	case backbone.KindFanout:
		return true
	case backbone.KindDirect:
		return bd.key == p.RoutingKey
	case backbone.KindTopic:
		return topics.Match(bd.key, p.RoutingKey)
	case backbone.KindHeaders:
		return headersMatch(bd.args, p.Headers)
	}
	return false
}

func headersMatch(args, headers map[string]any) bool {
	matchAny := args["x-match"] == "any"
	matched := 0
	total := 0
	for k, v := range args {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		total++
		if hv, ok := headers[k]; ok && fmt.Sprint(hv) == fmt.Sprint(v) {
			matched++
		}
	}
	if matchAny {
		return matched > 0 || total == 0
	}
	return matched == total
}
