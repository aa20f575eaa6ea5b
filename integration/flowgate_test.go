// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/flowgate/auth"
	bbmemory "github.com/absmach/flowgate/backbone/memory"
	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/broker"
	"github.com/absmach/flowgate/client"
	"github.com/absmach/flowgate/correlation"
	"github.com/absmach/flowgate/dispatch"
	docmemory "github.com/absmach/flowgate/docstore/memory"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/storage/memory"
	"github.com/absmach/flowgate/transport/tcp"
	"github.com/absmach/flowgate/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	robotUser     = "robot"
	robotPassword = "robot-password"
)

type node struct {
	addr     string
	registry *session.Registry
}

// startNode runs a single flowgate node on a loopback tcp listener with
// in-memory storage and backbone.
func startNode(t testing.TB) *node {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	bb := bbmemory.New()
	registry := session.NewRegistry()
	queues := bridge.New(bb, registry, bridge.Config{RequeueDelay: 20 * time.Millisecond}, logger)
	engine := workitem.NewEngine(store.Workitems(), store.Blobs(), queues, workitem.Config{}, logger)

	credentials, err := auth.NewJWT(auth.JWTConfig{
		Secret: "integration-secret-0123456789",
		Issuer: "flowgate",
		TTL:    time.Hour,
	}, auth.NewMemoryBlocklist())
	require.NoError(t, err)

	users := auth.NewStaticUsers([]auth.User{{
		Username: robotUser,
		Password: robotPassword,
		Roles:    []string{auth.AdminsRoleID},
	}})
	d := dispatch.New(dispatch.Services{
		Credentials: credentials,
		Users:       users,
		Queues:      queues,
		Workitems:   engine,
		Documents:   docmemory.New(logger),
		Blobs:       store.Blobs(),
	}, dispatch.Config{TokenTTL: time.Hour}, logger)

	b := broker.New(registry, d, broker.Config{
		Session: session.Options{
			ReplyTimeout: 2 * time.Second,
			ChunkSize:    1024,
			Blobs:        store.Blobs(),
		},
	}, logger, broker.WithQueues(queues))

	srv := tcp.New(tcp.Config{Address: "127.0.0.1:0", Logger: logger}, b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	go engine.Run(ctx)

	select {
	case <-srv.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("listen failed: %v", err)
	}

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = b.Shutdown(shutdownCtx)
		cancel()
		<-done
		_ = queues.Close()
		_ = bb.Close()
		_ = store.Close()
	})
	return &node{addr: srv.Addr().String(), registry: registry}
}

func (n *node) connect(t testing.TB, opts *client.Options) *client.Client {
	t.Helper()
	opts.SetAddress("tcp", n.addr).SetRequestTimeout(2 * time.Second)
	c, err := client.New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func robot() *client.Options {
	return client.NewOptions().SetCredentials(robotUser, robotPassword)
}

func TestSigninAndPing(t *testing.T) {
	n := startNode(t)
	c := n.connect(t, robot())

	assert.NotEmpty(t, c.Token())
	require.NotNil(t, c.User())
	assert.Equal(t, robotUser, c.User().Username)
	assert.NoError(t, c.Ping(context.Background()))
	assert.Eventually(t, func() bool { return n.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSigninWithIssuedToken(t *testing.T) {
	n := startNode(t)
	first := n.connect(t, robot())

	second := n.connect(t, client.NewOptions().SetJWT(first.Token()))
	require.NotNil(t, second.User())
	assert.Equal(t, robotUser, second.User().Username)
}

func TestWrongPasswordRejected(t *testing.T) {
	n := startNode(t)
	c, err := client.New(client.NewOptions().
		SetAddress("tcp", n.addr).
		SetCredentials(robotUser, "nope").
		SetRequestTimeout(2 * time.Second))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, client.ErrSigninRejected)
}

func TestCommandsRequireSignin(t *testing.T) {
	n := startNode(t)
	c := n.connect(t, client.NewOptions())

	assert.NoError(t, c.Ping(context.Background()))

	_, err := c.RegisterQueue(context.Background(), "jobs")
	var remote *correlation.RemoteError
	require.True(t, errors.As(err, &remote), "expected remote error, got %v", err)
	assert.Contains(t, remote.Message, dispatch.ErrNotSignedIn.Error())
}

func TestQueueRoundTrip(t *testing.T) {
	n := startNode(t)
	received := make(chan *bridge.Message, 1)
	consumer := n.connect(t, robot().SetQueueHandler(func(_ context.Context, m *bridge.Message) (any, error) {
		received <- m
		return map[string]bool{"ok": true}, nil
	}))
	producer := n.connect(t, robot())

	name, err := consumer.RegisterQueue(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, "jobs", name)

	require.NoError(t, producer.Publish(context.Background(), bridge.Message{
		QueueName: "jobs",
		Data:      json.RawMessage(`{"job":42}`),
	}))

	select {
	case m := <-received:
		assert.Equal(t, "jobs", m.QueueName)
		var body map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(m.Data, &body))
		assert.JSONEq(t, `42`, string(body["job"]))
		assert.Contains(t, body, "__jwt")
		assert.Contains(t, body, "__user")
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestTopicExchangeRouting(t *testing.T) {
	n := startNode(t)
	received := make(chan string, 4)
	consumer := n.connect(t, robot().SetQueueHandler(func(_ context.Context, m *bridge.Message) (any, error) {
		received <- m.RoutingKey
		return nil, nil
	}))
	producer := n.connect(t, robot())

	exchange, queue, err := consumer.RegisterExchange(context.Background(), client.ExchangeOptions{
		Name:       "events",
		Algorithm:  "topic",
		RoutingKey: "orders.#",
		AddQueue:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "events", exchange)
	assert.NotEmpty(t, queue)

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, bridge.Message{Exchange: "events", RoutingKey: "invoices.created", Data: json.RawMessage(`1`)}))
	require.NoError(t, producer.Publish(ctx, bridge.Message{Exchange: "events", RoutingKey: "orders.eu.created", Data: json.RawMessage(`2`)}))

	select {
	case key := <-received:
		assert.Equal(t, "orders.eu.created", key)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
	select {
	case key := <-received:
		t.Fatalf("unexpected delivery for %q", key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidTopicPattern(t *testing.T) {
	n := startNode(t)
	c := n.connect(t, robot())

	_, _, err := c.RegisterExchange(context.Background(), client.ExchangeOptions{
		Name:       "events",
		Algorithm:  "topic",
		RoutingKey: "orders.cre*",
	})
	var remote *correlation.RemoteError
	assert.True(t, errors.As(err, &remote), "expected remote error, got %v", err)
}

func TestChunkedPayloads(t *testing.T) {
	n := startNode(t)
	received := make(chan json.RawMessage, 1)
	consumer := n.connect(t, robot().SetQueueHandler(func(_ context.Context, m *bridge.Message) (any, error) {
		received <- m.Data
		return nil, nil
	}))
	producer := n.connect(t, robot().SetChunkSize(512))

	_, err := consumer.RegisterQueue(context.Background(), "bulk")
	require.NoError(t, err)

	large := `"` + string(bytes.Repeat([]byte("0123456789"), 2000)) + `"`
	require.NoError(t, producer.Publish(context.Background(), bridge.Message{
		QueueName: "bulk",
		Data:      json.RawMessage(large),
	}))

	select {
	case data := <-received:
		assert.Equal(t, large, string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestWorkitemLifecycle(t *testing.T) {
	n := startNode(t)
	c := n.connect(t, robot())
	ctx := context.Background()

	q, err := c.AddWorkitemQueue(ctx, workitem.AddQueueRequest{Name: "invoices", MaxRetries: 3})
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "invoices", q.Name)

	added, err := c.AddWorkitem(ctx, workitem.AddItemRequest{
		NewItem: workitem.NewItem{Name: "inv-1", Payload: json.RawMessage(`{"amount":10}`)},
		Queue:   "invoices",
	})
	require.NoError(t, err)
	assert.Equal(t, workitem.StateNew, added.State)

	popped, err := c.PopWorkitem(ctx, "invoices")
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, added.ID, popped.ID)
	assert.Equal(t, workitem.StateProcessing, popped.State)

	empty, err := c.PopWorkitem(ctx, "invoices")
	require.NoError(t, err)
	assert.Nil(t, empty)

	done, err := c.UpdateWorkitem(ctx, workitem.UpdateItemRequest{ID: popped.ID, State: workitem.StateSuccessful})
	require.NoError(t, err)
	assert.Equal(t, workitem.StateSuccessful, done.State)
}

func TestDisconnectReleasesSession(t *testing.T) {
	n := startNode(t)
	c := n.connect(t, robot())
	_, err := c.RegisterQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return n.registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	assert.Eventually(t, func() bool { return n.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
