// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/backbone"
	"github.com/absmach/flowgate/backbone/memory"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/topics"
	"github.com/absmach/flowgate/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer plays the remote client: it answers queuemessage requests and
// collects everything else.
type peer struct {
	s        *session.Session
	conn     *transport.Base
	messages chan Message
	notices  chan *envelope.Envelope
	reject   atomic.Int32
}

func newPeer(t *testing.T, registry *session.Registry) *peer {
	t.Helper()
	conn := transport.NewBase(transport.NamePipe, "test", 64, nil)
	p := &peer{
		s:        session.New(conn, session.Options{ReplyTimeout: 2 * time.Second, ClientID: "client1"}),
		conn:     conn,
		messages: make(chan Message, 16),
		notices:  make(chan *envelope.Envelope, 16),
	}
	registry.Add(p.s)
	go p.run()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *peer) run() {
	for {
		select {
		case e := <-p.conn.Outbound():
			p.handle(e)
		case <-p.conn.Done():
			return
		}
	}
}

func (p *peer) handle(e *envelope.Envelope) {
	if e.Command != CommandQueueMessage {
		p.notices <- e
		return
	}
	var m Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		p.s.Tracker().Resolve(e.ErrorReply([]byte(`{"message":"bad payload"}`)))
		return
	}
	p.messages <- m
	if p.reject.Add(-1) >= 0 {
		p.s.Tracker().Resolve(e.ErrorReply([]byte(`{"message":"busy"}`)))
		return
	}
	p.s.Tracker().Resolve(e.Reply([]byte(`{}`)))
}

func (p *peer) message(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-p.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no queuemessage delivered")
		return Message{}
	}
}

func (p *peer) notice(t *testing.T) *envelope.Envelope {
	t.Helper()
	select {
	case e := <-p.notices:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no notice delivered")
		return nil
	}
}

func newBridge(t *testing.T, cfg Config) (*Bridge, *memory.Backbone, *session.Registry) {
	t.Helper()
	bb := memory.New()
	registry := session.NewRegistry()
	b := New(bb, registry, cfg, nil)
	t.Cleanup(func() {
		bb.Close()
		b.Close()
	})
	return b, bb, registry
}

func TestRegisterQueue(t *testing.T) {
	b, bb, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	ctx := context.Background()

	name, err := b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", name)
	assert.True(t, bb.HasQueue("demo"))
	c, ok := p.s.Consumer(session.KindQueue, "demo")
	require.True(t, ok)
	assert.NotEmpty(t, c.Tag)
	assert.False(t, c.Exclusive)

	generated, err := b.RegisterQueue(ctx, p.s, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(generated, "client1-"))
	c, ok = p.s.Consumer(session.KindQueue, generated)
	require.True(t, ok)
	assert.True(t, c.Exclusive)
	assert.True(t, c.AutoDelete)
	assert.Equal(t, 2, bb.Consumers())
}

func TestRegisterQueueReplacesExisting(t *testing.T) {
	b, bb, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	ctx := context.Background()

	_, err := b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	first, _ := p.s.Consumer(session.KindQueue, "demo")

	_, err = b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	second, _ := p.s.Consumer(session.KindQueue, "demo")

	assert.NotEqual(t, first.Tag, second.Tag)
	assert.Equal(t, 1, bb.Consumers())
	assert.Equal(t, 1, p.s.ConsumerCount())
}

func TestRegisterExchangeInvalidAlgorithm(t *testing.T) {
	b, _, registry := newBridge(t, Config{})
	p := newPeer(t, registry)

	_, _, err := b.RegisterExchange(context.Background(), p.s, "events", "broadcast", "", true)
	assert.ErrorIs(t, err, ErrInvalidAlgorithm)
	assert.Equal(t, 0, p.s.ConsumerCount())
}

func TestRegisterExchangeInvalidPattern(t *testing.T) {
	b, _, registry := newBridge(t, Config{})
	p := newPeer(t, registry)

	_, _, err := b.RegisterExchange(context.Background(), p.s, "events", "topic", "orders.cre*", true)
	assert.ErrorIs(t, err, topics.ErrInvalidPattern)
	assert.Equal(t, 0, p.s.ConsumerCount())
}

func TestDeliveryAcknowledged(t *testing.T) {
	b, bb, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	ctx := context.Background()

	_, err := b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	require.NoError(t, bb.Publish(ctx, backbone.Publishing{
		RoutingKey:    "demo",
		Body:          []byte(`{"n":1}`),
		ReplyTo:       "caller",
		CorrelationID: "c1",
	}))

	m := p.message(t)
	assert.Equal(t, "demo", m.QueueName)
	assert.Equal(t, "caller", m.ReplyTo)
	assert.Equal(t, "c1", m.CorrelationID)
	assert.NotEmpty(t, m.ConsumerTag)
	assert.JSONEq(t, `{"n":1}`, string(m.Data))

	require.Eventually(t, func() bool { return p.s.InFlight() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, bb.QueueLen("demo"))
	select {
	case m := <-p.messages:
		t.Fatalf("unexpected redelivery %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliveryPlainBody(t *testing.T) {
	b, bb, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	ctx := context.Background()

	_, err := b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	require.NoError(t, bb.Publish(ctx, backbone.Publishing{RoutingKey: "demo", Body: []byte("hello")}))

	m := p.message(t)
	assert.Equal(t, `"hello"`, string(m.Data))
	assert.NotEmpty(t, m.CorrelationID)
}

func TestDeliveryRequeuedAfterDelay(t *testing.T) {
	delay := 100 * time.Millisecond
	b, bb, registry := newBridge(t, Config{RequeueDelay: delay})
	p := newPeer(t, registry)
	p.reject.Store(1)
	ctx := context.Background()

	_, err := b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	require.NoError(t, bb.Publish(ctx, backbone.Publishing{RoutingKey: "demo", Body: []byte(`"job"`)}))

	first := p.message(t)
	start := time.Now()
	second := p.message(t)
	assert.GreaterOrEqual(t, time.Since(start), delay-10*time.Millisecond)
	assert.Equal(t, first.Data, second.Data)
	require.Eventually(t, func() bool { return p.s.InFlight() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseConsumerIdempotent(t *testing.T) {
	b, bb, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	ctx := context.Background()

	_, err := b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	_, _, err = b.RegisterExchange(ctx, p.s, "events", "fanout", "", true)
	require.NoError(t, err)
	assert.Equal(t, 2, bb.Consumers())

	require.NoError(t, b.CloseConsumer(ctx, p.s, "demo"))
	require.NoError(t, b.CloseConsumer(ctx, p.s, "demo"))
	assert.Equal(t, 1, bb.Consumers())
	assert.Equal(t, 1, p.s.ConsumerCount())

	require.NoError(t, b.CloseConsumers(ctx, p.s))
	require.NoError(t, b.CloseConsumers(ctx, p.s))
	assert.Equal(t, 0, bb.Consumers())
	assert.Equal(t, 0, p.s.ConsumerCount())
}

func TestExchangeRoundTrip(t *testing.T) {
	b, _, registry := newBridge(t, Config{})
	listener := newPeer(t, registry)
	sender := newPeer(t, registry)
	ctx := context.Background()

	exchange, queue, err := b.RegisterExchange(ctx, listener.s, "orders", "topic", "orders.#", true)
	require.NoError(t, err)
	assert.Equal(t, "orders", exchange)
	assert.NotEmpty(t, queue)

	require.NoError(t, b.QueueMessage(ctx, sender.s, Message{
		Exchange:   "orders",
		RoutingKey: "orders.eu.created",
		StripToken: true,
		Data:       json.RawMessage(`{"id":7}`),
	}))
	m := listener.message(t)
	assert.Equal(t, "orders", m.Exchange)
	assert.Equal(t, "orders.eu.created", m.RoutingKey)
	assert.JSONEq(t, `{"id":7}`, string(m.Data))
}

func TestRegisterExchangeGeneratedName(t *testing.T) {
	b, _, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	p.s.SetAgent("nodered", "1.0")

	exchange, queue, err := b.RegisterExchange(context.Background(), p.s, "", "direct", "", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(exchange, "nodered."))
	assert.Empty(t, queue)
	c, ok := p.s.Consumer(session.KindExchange, exchange)
	require.True(t, ok)
	assert.True(t, c.AutoDelete)
}

func TestQueueMessage(t *testing.T) {
	b, bb, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	require.NoError(t, p.s.Authenticate("secret-token", &auth.Identity{ID: "u1", Name: "alice"}))
	ctx := context.Background()

	_, err := bb.DeclareQueue(ctx, backbone.QueueOptions{Name: "inbox"})
	require.NoError(t, err)
	bodies := make(chan []byte, 4)
	_, err = bb.Consume(ctx, "inbox", false, func(_ context.Context, d *backbone.Delivery) {
		require.NoError(t, d.Ack())
		bodies <- d.Body
	})
	require.NoError(t, err)

	assert.ErrorIs(t, b.QueueMessage(ctx, p.s, Message{Data: json.RawMessage(`{}`)}), ErrMissingTarget)
	require.NoError(t, b.QueueMessage(ctx, p.s, Message{QueueName: "inbox", ReplyTo: "inbox", Data: json.RawMessage(`{}`)}))

	require.NoError(t, b.QueueMessage(ctx, p.s, Message{QueueName: "inbox", Data: json.RawMessage(`{"a":1}`)}))
	var got map[string]any
	select {
	case body := <-bodies:
		require.NoError(t, json.Unmarshal(body, &got))
	case <-time.After(2 * time.Second):
		t.Fatal("message not published")
	}
	assert.Equal(t, "secret-token", got["__jwt"])
	assert.Equal(t, float64(1), got["a"])
	user, ok := got["__user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", user["name"])

	require.NoError(t, b.QueueMessage(ctx, p.s, Message{QueueName: "inbox", StripToken: true, Data: json.RawMessage(`{"a":2}`)}))
	select {
	case body := <-bodies:
		assert.JSONEq(t, `{"a":2}`, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("message not published")
	}
}

func TestBackboneReconnectRebuildsConsumers(t *testing.T) {
	b, bb, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	ctx := context.Background()

	_, err := b.RegisterQueue(ctx, p.s, "demo")
	require.NoError(t, err)
	generated, err := b.RegisterQueue(ctx, p.s, "")
	require.NoError(t, err)
	_, queue, err := b.RegisterExchange(ctx, p.s, "events", "fanout", "", true)
	require.NoError(t, err)

	bb.Disconnect(errors.New("connection reset"))

	notices := map[string]ClosedNotice{}
	for range 3 {
		e := p.notice(t)
		var n ClosedNotice
		require.NoError(t, json.Unmarshal(e.Data, &n))
		notices[e.Command+"/"+n.QueueName] = n
	}
	assert.Contains(t, notices, CommandQueueClosed+"/demo")
	assert.Contains(t, notices, CommandQueueClosed+"/"+generated)
	require.Contains(t, notices, CommandExchangeClosed+"/"+queue)
	assert.Equal(t, "events", notices[CommandExchangeClosed+"/"+queue].ExchangeName)

	for _, c := range p.s.Consumers() {
		assert.Empty(t, c.Tag)
	}
	assert.Equal(t, 3, p.s.ConsumerCount())

	bb.Reconnect()
	assert.Equal(t, 3, bb.Consumers())
	assert.True(t, bb.HasQueue(generated))
	for _, c := range p.s.Consumers() {
		assert.NotEmpty(t, c.Tag)
	}

	require.NoError(t, bb.Publish(ctx, backbone.Publishing{Exchange: "events", Body: []byte(`"after"`)}))
	m := p.message(t)
	assert.Equal(t, `"after"`, string(m.Data))
}

func TestRegisterDuringBackboneLossKept(t *testing.T) {
	b, _, registry := newBridge(t, Config{})
	p := newPeer(t, registry)
	ctx := context.Background()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-p.notices:
			case <-done:
				return
			}
		}
	}()

	const rounds = 50
	for i := range rounds {
		registered := make(chan error, 1)
		go func() {
			_, err := b.RegisterQueue(ctx, p.s, fmt.Sprintf("jobs-%d", i))
			registered <- err
		}()
		b.BackboneDisconnected(errors.New("connection reset"))
		require.NoError(t, <-registered)
		require.Equal(t, i+1, p.s.ConsumerCount(), "registration lost in round %d", i)
	}

	b.BackboneConnected()
	assert.Equal(t, rounds, p.s.ConsumerCount())
	for _, c := range p.s.Consumers() {
		assert.NotEmpty(t, c.Tag, c.Queue)
	}
}
