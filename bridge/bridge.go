// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge connects sessions to the backbone: it registers queue and
// exchange consumers on behalf of a session, turns backbone deliveries into
// session requests, publishes session messages and rebuilds consumers
// after a backbone reconnect.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/flowgate/backbone"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/topics"
	"github.com/google/uuid"
)

// Commands sent to sessions.
const (
	CommandQueueMessage   = "queuemessage"
	CommandQueueClosed    = "queueclosed"
	CommandExchangeClosed = "exchangeclosed"
)

// Defaults.
const (
	DefaultRequeueDelay  = time.Second
	DefaultExpiration    = time.Minute
	DefaultMaxConcurrent = 256
	noticeTimeout        = time.Second
)

var (
	ErrMissingTarget    = errors.New("queuename or exchangename is required")
	ErrInvalidAlgorithm = errors.New("algorithm must be one of direct, fanout, topic or header")
	ErrBridgeClosed     = errors.New("bridge closed")
)

// Config configures the bridge.
type Config struct {
	// RequeueDelay is how long a failed delivery waits before it is
	// negatively acknowledged and requeued.
	RequeueDelay time.Duration
	// DefaultExpiration applies to published messages without one.
	DefaultExpiration time.Duration
	// DeliveryTimeout bounds how long a session may take to process a
	// delivery. Zero uses the session reply timeout.
	DeliveryTimeout time.Duration
	// MaxConcurrent bounds deliveries processed at once across sessions.
	MaxConcurrent int
}

// Message is the payload of a queuemessage: published by a session, or
// delivered to one.
type Message struct {
	QueueName     string          `json:"queuename,omitempty"`
	Exchange      string          `json:"exchangename,omitempty"`
	RoutingKey    string          `json:"routingkey,omitempty"`
	ReplyTo       string          `json:"replyto,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ConsumerTag   string          `json:"consumerTag,omitempty"`
	Expiration    int64           `json:"expiration,omitempty"`
	StripToken    bool            `json:"striptoken,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ClosedNotice tells a session that a consumer was lost with the backbone
// connection.
type ClosedNotice struct {
	QueueName    string `json:"queuename"`
	ExchangeName string `json:"exchangename,omitempty"`
}

// Bridge owns the backbone consumers of all sessions.
type Bridge struct {
	bb       backbone.Backbone
	registry *session.Registry
	cfg      Config
	logger   *slog.Logger

	locks sync.Map // session id -> *sync.Mutex
	sem   chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a bridge and registers it as the backbone listener.
func New(bb backbone.Backbone, registry *session.Registry, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}
	if cfg.DefaultExpiration <= 0 {
		cfg.DefaultExpiration = DefaultExpiration
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		bb:       bb,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		done:     make(chan struct{}),
	}
	bb.SetListener(b)
	return b
}

// lock serializes consumer list mutation for one session.
func (b *Bridge) lock(s *session.Session) func() {
	v, _ := b.locks.LoadOrStore(s.ID(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Forget drops the per-session lock once the session is gone.
func (b *Bridge) Forget(s *session.Session) {
	b.locks.Delete(s.ID())
}

// RegisterQueue starts consuming queue name for s and returns the queue
// name. An empty name creates an exclusive auto-delete queue named after
// the session's client id. A consumer already registered under the same
// name is cancelled first.
func (b *Bridge) RegisterQueue(ctx context.Context, s *session.Session, name string) (string, error) {
	unlock := b.lock(s)
	defer unlock()

	c := &session.Consumer{Kind: session.KindQueue, Requested: name, Queue: name}
	if name == "" {
		c.Queue = generatedName(s)
		c.Exclusive = true
		c.AutoDelete = true
	}
	if err := b.startQueue(ctx, s, c); err != nil {
		return "", err
	}
	return c.Queue, nil
}

func (b *Bridge) startQueue(ctx context.Context, s *session.Session, c *session.Consumer) error {
	if old, ok := s.RemoveConsumer(session.KindQueue, c.Queue); ok {
		b.cancel(ctx, old)
	}

	q, err := b.bb.DeclareQueue(ctx, backbone.QueueOptions{
		Name:       c.Queue,
		Durable:    !c.AutoDelete,
		AutoDelete: c.AutoDelete,
		Exclusive:  c.Exclusive,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.Queue, err)
	}
	c.Queue = q
	return b.consume(ctx, s, c)
}

// RegisterExchange declares exchange with the given algorithm for s. With
// autoCreate, an exclusive queue is bound to it with routingKey and
// consumed; the queue name is returned. An empty exchange name is
// generated from the session's agent.
func (b *Bridge) RegisterExchange(ctx context.Context, s *session.Session, exchange, algorithm, routingKey string, autoCreate bool) (string, string, error) {
	kind, err := backbone.ParseKind(algorithm)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAlgorithm, algorithm)
	}
	if kind == backbone.KindTopic {
		if err := topics.ValidatePattern(routingKey); err != nil {
			return "", "", fmt.Errorf("%w: %q", err, routingKey)
		}
	} else if err := topics.ValidateKey(routingKey); err != nil {
		return "", "", fmt.Errorf("%w: %q", err, routingKey)
	}

	unlock := b.lock(s)
	defer unlock()

	generated := exchange == ""
	if generated {
		agent, _ := s.Agent()
		if agent == "" {
			agent = "unknown"
		}
		exchange = agent + "." + uuid.NewString()
	}
	c := &session.Consumer{
		Kind:       session.KindExchange,
		Requested:  exchange,
		Exchange:   exchange,
		Algorithm:  kind,
		RoutingKey: routingKey,
		AutoCreate: autoCreate,
		Exclusive:  true,
		AutoDelete: generated,
	}
	if err := b.startExchange(ctx, s, c); err != nil {
		return "", "", err
	}
	return c.Exchange, c.Queue, nil
}

func (b *Bridge) startExchange(ctx context.Context, s *session.Session, c *session.Consumer) error {
	if old, ok := s.RemoveConsumer(session.KindExchange, c.Exchange); ok {
		b.cancel(ctx, old)
	}

	if err := b.bb.DeclareExchange(ctx, backbone.ExchangeOptions{
		Name:       c.Exchange,
		Kind:       c.Algorithm,
		Durable:    !c.AutoDelete,
		AutoDelete: c.AutoDelete,
	}); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.Exchange, err)
	}
	if !c.AutoCreate {
		return b.record(ctx, s, c)
	}

	if c.Queue == "" {
		c.Queue = generatedName(s)
	}
	q, err := b.bb.DeclareQueue(ctx, backbone.QueueOptions{Name: c.Queue, Exclusive: true, AutoDelete: true})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.Queue, err)
	}
	c.Queue = q
	if err := b.bb.BindQueue(ctx, q, c.Exchange, c.RoutingKey, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", q, c.Exchange, err)
	}
	return b.consume(ctx, s, c)
}

func (b *Bridge) consume(ctx context.Context, s *session.Session, c *session.Consumer) error {
	tag, err := b.bb.Consume(ctx, c.Queue, c.Exclusive, b.handler(s, c))
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.Queue, err)
	}
	c.Tag = tag
	return b.record(ctx, s, c)
}

func (b *Bridge) record(ctx context.Context, s *session.Session, c *session.Consumer) error {
	old, err := s.AddConsumer(c)
	if err != nil {
		b.cancel(ctx, c)
		return err
	}
	if old != nil {
		b.cancel(ctx, old)
	}
	b.logger.Debug("consumer_registered",
		slog.String("session", s.ID()),
		slog.String("kind", c.Kind.String()),
		slog.String("queue", c.Queue),
		slog.String("exchange", c.Exchange))
	return nil
}

// CloseConsumer cancels the consumer registered under name, a queue or an
// exchange name. Closing an unknown name is a no-op.
func (b *Bridge) CloseConsumer(ctx context.Context, s *session.Session, name string) error {
	unlock := b.lock(s)
	defer unlock()

	c, ok := s.RemoveConsumer(session.KindQueue, name)
	if !ok {
		c, ok = s.RemoveConsumer(session.KindExchange, name)
	}
	if !ok {
		return nil
	}
	return b.cancel(ctx, c)
}

// CloseConsumers cancels every consumer of s. Consumers whose cancel
// failed stay registered so a later call can retry them.
func (b *Bridge) CloseConsumers(ctx context.Context, s *session.Session) error {
	unlock := b.lock(s)
	defer unlock()

	var errs []error
	for _, c := range s.Consumers() {
		if err := b.cancel(ctx, c); err != nil {
			errs = append(errs, err)
			continue
		}
		s.RemoveConsumer(c.Kind, c.Key())
	}
	return errors.Join(errs...)
}

func (b *Bridge) cancel(ctx context.Context, c *session.Consumer) error {
	if c.Tag == "" {
		return nil
	}
	if err := b.bb.Cancel(ctx, c.Tag); err != nil {
		if errors.Is(err, backbone.ErrNotConnected) || errors.Is(err, backbone.ErrClosed) {
			return nil
		}
		return fmt.Errorf("cancel consumer %s: %w", c.Queue, err)
	}
	return nil
}

// QueueMessage publishes m on behalf of s. Unless m.StripToken is set, an
// object payload carries the sender's credential and identity as __jwt and
// __user.
func (b *Bridge) QueueMessage(ctx context.Context, s *session.Session, m Message) error {
	if m.QueueName == "" && m.Exchange == "" {
		return ErrMissingTarget
	}
	if m.ReplyTo != "" && m.ReplyTo == m.QueueName {
		b.logger.Warn("queue_message_reply_to_self",
			slog.String("session", s.ID()),
			slog.String("queue", m.QueueName),
			slog.String("correlation_id", m.CorrelationID))
		return nil
	}

	body, err := b.body(s, m)
	if err != nil {
		return err
	}
	expiration := b.cfg.DefaultExpiration
	if m.Expiration > 0 {
		expiration = time.Duration(m.Expiration) * time.Millisecond
	}
	routingKey := m.RoutingKey
	if m.Exchange == "" {
		routingKey = m.QueueName
	}
	correlationID := m.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return b.bb.Publish(ctx, backbone.Publishing{
		Exchange:      m.Exchange,
		RoutingKey:    routingKey,
		Body:          body,
		ContentType:   "application/json",
		ReplyTo:       m.ReplyTo,
		CorrelationID: correlationID,
		Expiration:    expiration,
	})
}

func (b *Bridge) body(s *session.Session, m Message) ([]byte, error) {
	data := m.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if m.StripToken || len(data) == 0 || data[0] != '{' {
		return data, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("invalid message data: %w", err)
	}
	delete(obj, "jwt")
	if token := s.Token(); token != "" {
		raw, err := json.Marshal(token)
		if err != nil {
			return nil, err
		}
		obj["__jwt"] = raw
	}
	if id := s.Identity(); id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		obj["__user"] = raw
	}
	return json.Marshal(obj)
}

// Publish sends raw data to a backbone queue. It serves server side
// notifications that have no session.
func (b *Bridge) Publish(ctx context.Context, queue string, data []byte) error {
	return b.bb.Publish(ctx, backbone.Publishing{
		RoutingKey:  queue,
		Body:        data,
		ContentType: "application/json",
		Expiration:  b.cfg.DefaultExpiration,
	})
}

// Close waits for delayed requeues to complete.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

func generatedName(s *session.Session) string {
	short, _, _ := strings.Cut(uuid.NewString(), "-")
	return s.ClientID() + "-" + short
}
