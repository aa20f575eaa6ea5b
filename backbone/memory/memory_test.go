// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/flowgate/backbone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, b *Backbone, queue string) (<-chan *backbone.Delivery, string) {
	t.Helper()
	ch := make(chan *backbone.Delivery, 16)
	tag, err := b.Consume(context.Background(), queue, false, func(_ context.Context, d *backbone.Delivery) {
		require.NoError(t, d.Ack())
		ch <- d
	})
	require.NoError(t, err)
	return ch, tag
}

func receive(t *testing.T, ch <-chan *backbone.Delivery) *backbone.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestDefaultExchange(t *testing.T) {
	b := New()
	ctx := context.Background()

	name, err := b.DeclareQueue(ctx, backbone.QueueOptions{Name: "demo", Durable: true})
	require.NoError(t, err)
	assert.Equal(t, "demo", name)

	ch, _ := collect(t, b, "demo")
	require.NoError(t, b.Publish(ctx, backbone.Publishing{
		RoutingKey:    "demo",
		Body:          []byte("hello"),
		ReplyTo:       "caller",
		CorrelationID: "c1",
	}))

	d := receive(t, ch)
	assert.Equal(t, "hello", string(d.Body))
	assert.Equal(t, "caller", d.ReplyTo)
	assert.Equal(t, "c1", d.CorrelationID)
	assert.Equal(t, "demo", d.Queue)
}

func TestGeneratedQueueName(t *testing.T) {
	b := New()
	name, err := b.DeclareQueue(context.Background(), backbone.QueueOptions{Exclusive: true})
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	assert.True(t, b.HasQueue(name))
}

func TestExchangeRouting(t *testing.T) {
	cases := []struct {
		kind    string
		key     string
		args    map[string]any
		pub     backbone.Publishing
		matched bool
	}{
		{kind: "direct", key: "a", pub: backbone.Publishing{RoutingKey: "a"}, matched: true},
		{kind: "direct", key: "a", pub: backbone.Publishing{RoutingKey: "b"}, matched: false},
		{kind: "fanout", key: "", pub: backbone.Publishing{RoutingKey: "x"}, matched: true},
		{kind: "topic", key: "orders.*", pub: backbone.Publishing{RoutingKey: "orders.created"}, matched: true},
		{kind: "topic", key: "orders.*", pub: backbone.Publishing{RoutingKey: "orders.eu.created"}, matched: false},
		{kind: "topic", key: "orders.#", pub: backbone.Publishing{RoutingKey: "orders.eu.created"}, matched: true},
		{kind: "topic", key: "#", pub: backbone.Publishing{RoutingKey: "anything"}, matched: true},
		{kind: "header", args: map[string]any{"x-match": "all", "type": "invoice"}, pub: backbone.Publishing{Headers: map[string]any{"type": "invoice"}}, matched: true},
		{kind: "headers", args: map[string]any{"x-match": "any", "a": 1, "b": 2}, pub: backbone.Publishing{Headers: map[string]any{"b": 2}}, matched: true},
		{kind: "headers", args: map[string]any{"a": 1, "b": 2}, pub: backbone.Publishing{Headers: map[string]any{"b": 2}}, matched: false},
	}

	for _, tc := range cases {
		t.Run(tc.kind+"/"+tc.key+"/"+tc.pub.RoutingKey, func(t *testing.T) {
			b := New()
			ctx := context.Background()
			require.NoError(t, b.DeclareExchange(ctx, backbone.ExchangeOptions{Name: "ex", Kind: tc.kind}))
			q, err := b.DeclareQueue(ctx, backbone.QueueOptions{})
			require.NoError(t, err)
			require.NoError(t, b.BindQueue(ctx, q, "ex", tc.key, tc.args))

			tc.pub.Exchange = "ex"
			require.NoError(t, b.Publish(ctx, tc.pub))
			if tc.matched {
				assert.Equal(t, 1, b.QueueLen(q))
			} else {
				assert.Equal(t, 0, b.QueueLen(q))
			}
		})
	}
}

func TestInvalidExchangeKind(t *testing.T) {
	b := New()
	err := b.DeclareExchange(context.Background(), backbone.ExchangeOptions{Name: "ex", Kind: "random"})
	assert.ErrorIs(t, err, backbone.ErrInvalidKind)
}

func TestNackRequeues(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.DeclareQueue(ctx, backbone.QueueOptions{Name: "work"})
	require.NoError(t, err)

	var mu sync.Mutex
	var attempts []bool
	done := make(chan struct{})
	_, err = b.Consume(ctx, "work", false, func(_ context.Context, d *backbone.Delivery) {
		mu.Lock()
		attempts = append(attempts, d.Redelivered)
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			require.NoError(t, d.Nack(true))
			return
		}
		require.NoError(t, d.Ack())
		assert.ErrorIs(t, d.Ack(), backbone.ErrAlreadySettled)
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, backbone.Publishing{RoutingKey: "work", Body: []byte("job")}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, attempts)
}

func TestMessageExpiration(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }

	_, err := b.DeclareQueue(ctx, backbone.QueueOptions{Name: "q"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, backbone.Publishing{RoutingKey: "q", Body: []byte("old"), Expiration: time.Second}))
	require.NoError(t, b.Publish(ctx, backbone.Publishing{RoutingKey: "q", Body: []byte("new")}))
	now = now.Add(2 * time.Second)

	ch, _ := collect(t, b, "q")
	assert.Equal(t, "new", string(receive(t, ch).Body))
}

func TestCancelAutoDelete(t *testing.T) {
	b := New()
	ctx := context.Background()
	q, err := b.DeclareQueue(ctx, backbone.QueueOptions{AutoDelete: true, Exclusive: true})
	require.NoError(t, err)

	_, tag := collect(t, b, q)
	_, err = b.Consume(ctx, q, true, func(context.Context, *backbone.Delivery) {})
	assert.Error(t, err)

	require.NoError(t, b.Cancel(ctx, tag))
	require.NoError(t, b.Cancel(ctx, tag))
	assert.False(t, b.HasQueue(q))
	assert.Equal(t, 0, b.Consumers())
}

type listener struct {
	mu           sync.Mutex
	connected    int
	disconnected []error
}

func (l *listener) BackboneConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
}

func (l *listener) BackboneDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, err)
}

func TestDisconnectReconnect(t *testing.T) {
	b := New()
	l := &listener{}
	b.SetListener(l)
	ctx := context.Background()

	durable, err := b.DeclareQueue(ctx, backbone.QueueOptions{Name: "durable", Durable: true})
	require.NoError(t, err)
	temp, err := b.DeclareQueue(ctx, backbone.QueueOptions{Exclusive: true, AutoDelete: true})
	require.NoError(t, err)
	collect(t, b, durable)
	collect(t, b, temp)

	cause := errors.New("connection reset")
	b.Disconnect(cause)
	assert.False(t, b.IsConnected())
	assert.Equal(t, 0, b.Consumers())
	assert.True(t, b.HasQueue(durable))
	assert.False(t, b.HasQueue(temp))
	assert.ErrorIs(t, b.Publish(ctx, backbone.Publishing{RoutingKey: durable}), backbone.ErrNotConnected)

	b.Reconnect()
	assert.True(t, b.IsConnected())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.connected)
	require.Len(t, l.disconnected, 1)
	assert.ErrorIs(t, l.disconnected[0], cause)
}
