// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/flowgate/auth"
	bbmemory "github.com/absmach/flowgate/backbone/memory"
	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/broker/events"
	"github.com/absmach/flowgate/correlation"
	"github.com/absmach/flowgate/dispatch"
	docmemory "github.com/absmach/flowgate/docstore/memory"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/filestream"
	"github.com/absmach/flowgate/ratelimit"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/storage/memory"
	"github.com/absmach/flowgate/transport"
	"github.com/absmach/flowgate/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type())
	}
	return out
}

type fixture struct {
	broker   *Broker
	backbone *bbmemory.Backbone
	registry *session.Registry
	notifier *recordingNotifier
	ctx      context.Context
}

func newFixture(t *testing.T, limits ratelimit.Config) *fixture {
	t.Helper()

	registry := session.NewRegistry()
	bb := bbmemory.New()
	br := bridge.New(bb, registry, bridge.Config{RequeueDelay: 10 * time.Millisecond}, nil)

	creds, err := auth.NewJWT(auth.JWTConfig{Secret: "broker-test", TTL: time.Hour}, nil)
	require.NoError(t, err)
	blobs := memory.NewBlobStore()
	users := auth.NewStaticUsers([]auth.User{
		{ID: "u1", Username: "alice", Password: "secret"},
		{ID: "u2", Username: "bob", Password: "secret"},
	})

	d := dispatch.New(dispatch.Services{
		Credentials: creds,
		Users:       users,
		Queues:      br,
		Workitems:   workitem.NewEngine(memory.NewWorkitemStore(), blobs, br, workitem.Config{}, nil),
		Documents:   docmemory.New(nil),
		Blobs:       blobs,
	}, dispatch.Config{}, nil)

	notifier := &recordingNotifier{}
	b := New(registry, d, Config{
		Session: session.Options{ReplyTimeout: waitTimeout, Blobs: blobs},
	}, nil,
		WithQueues(br),
		WithLimiter(ratelimit.NewManager(limits)),
		WithNotifier(notifier),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		b.Shutdown(context.Background())
		br.Close()
		bb.Close()
	})
	return &fixture{broker: b, backbone: bb, registry: registry, notifier: notifier, ctx: ctx}
}

func (f *fixture) connect(t *testing.T) *transport.Client {
	t.Helper()
	server, client := net.Pipe()
	go transport.ServeStream(f.ctx, server, transport.NamePipe, transport.StreamConfig{}, f.broker, nil)
	c := transport.NewClient(client, transport.StreamConfig{})
	t.Cleanup(func() { c.Close() })
	return c
}

func request(t *testing.T, c *transport.Client, cmd string, v any) (*envelope.Envelope, error) {
	t.Helper()
	var data []byte
	if v != nil {
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return c.Request(ctx, envelope.New(cmd, data))
}

func mustRequest(t *testing.T, c *transport.Client, cmd string, v any) *envelope.Envelope {
	t.Helper()
	reply, err := request(t, c, cmd, v)
	require.NoError(t, err, cmd)
	return reply
}

func signin(t *testing.T, c *transport.Client, username string) {
	t.Helper()
	reply := mustRequest(t, c, "signin", dispatch.SigninMessage{Username: username, Password: "secret"})
	require.Equal(t, "signinreply", reply.Command)
}

func inbound(t *testing.T, c *transport.Client, command string) *envelope.Envelope {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e := <-c.Inbound():
			if e.Command == command {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s envelope received", command)
			return nil
		}
	}
}

func TestPingBeforeSignin(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	c := f.connect(t)

	reply := mustRequest(t, c, "ping", nil)
	assert.Equal(t, envelope.CommandPong, reply.Command)

	_, err := request(t, c, "query", map[string]any{"collectionname": "entities"})
	var remote *correlation.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, dispatch.ErrNotSignedIn.Error(), remote.Message)
}

func TestQueueRoundTrip(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	a := f.connect(t)
	b := f.connect(t)
	signin(t, a, "alice")
	signin(t, b, "bob")

	reply := mustRequest(t, b, "registerqueue", dispatch.RegisterQueueMessage{QueueName: "demo"})
	var registered dispatch.RegisterQueueReply
	require.NoError(t, json.Unmarshal(reply.Data, &registered))
	assert.Equal(t, "demo", registered.QueueName)

	reply = mustRequest(t, a, "registerqueue", dispatch.RegisterQueueMessage{})
	var own dispatch.RegisterQueueReply
	require.NoError(t, json.Unmarshal(reply.Data, &own))
	require.NotEmpty(t, own.QueueName)

	mustRequest(t, a, "queuemessage", bridge.Message{
		QueueName:     "demo",
		ReplyTo:       own.QueueName,
		CorrelationID: "corr-1",
		Data:          json.RawMessage(`{"hello":"world"}`),
	})

	// b processes the delivery, acknowledges it and answers on a's queue.
	delivery := inbound(t, b, bridge.CommandQueueMessage)
	var m bridge.Message
	require.NoError(t, json.Unmarshal(delivery.Data, &m))
	assert.Equal(t, "demo", m.QueueName)
	assert.Equal(t, own.QueueName, m.ReplyTo)
	assert.Equal(t, "corr-1", m.CorrelationID)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(m.Data, &payload))
	assert.Equal(t, "world", payload["hello"])
	assert.NotEmpty(t, payload["__jwt"])
	require.NoError(t, b.Send(context.Background(), delivery.Reply([]byte(`{}`))))

	mustRequest(t, b, "queuemessage", bridge.Message{
		QueueName:     m.ReplyTo,
		CorrelationID: m.CorrelationID,
		Data:          json.RawMessage(`{"answer":42}`),
	})

	answer := inbound(t, a, bridge.CommandQueueMessage)
	var am bridge.Message
	require.NoError(t, json.Unmarshal(answer.Data, &am))
	assert.Equal(t, "corr-1", am.CorrelationID)
	assert.Contains(t, string(am.Data), `"answer":42`)
	require.NoError(t, a.Send(context.Background(), answer.Reply([]byte(`{}`))))

	require.Eventually(t, func() bool {
		return f.backbone.QueueLen("demo") == 0 && f.backbone.QueueLen(own.QueueName) == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestWorkitemOverTransport(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	c := f.connect(t)
	signin(t, c, "alice")

	mustRequest(t, c, "addworkitemqueue", workitem.AddQueueRequest{Name: "invoices"})
	mustRequest(t, c, "addworkitem", map[string]any{
		"wiq":     "invoices",
		"name":    "invoice 1",
		"payload": map[string]any{"amount": 10},
	})

	reply := mustRequest(t, c, "popworkitem", workitem.PopRequest{Queue: "invoices"})
	var popped dispatch.Result[*workitem.Item]
	require.NoError(t, json.Unmarshal(reply.Data, &popped))
	require.NotNil(t, popped.Result)
	assert.Equal(t, "invoice 1", popped.Result.Name)
	assert.Equal(t, workitem.StateProcessing, popped.Result.State)

	mustRequest(t, c, "updateworkitem", workitem.UpdateItemRequest{ID: popped.Result.ID, State: workitem.StateSuccessful})

	reply = mustRequest(t, c, "popworkitem", workitem.PopRequest{Queue: "invoices"})
	assert.JSONEq(t, `{"result":null}`, string(reply.Data))
}

func TestChunkedRequest(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	c := f.connect(t)

	data, err := json.Marshal(dispatch.SigninMessage{Username: "alice", Password: "secret", ClientAgent: "test-agent"})
	require.NoError(t, err)
	e := envelope.New("signin", data)
	chunks := envelope.Split(e, 8)
	require.Greater(t, len(chunks), 1)

	// The reply correlates on the shared id of the chunks.
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for _, chunk := range chunks[1:] {
		require.NoError(t, c.Send(ctx, chunk))
	}
	reply, err := c.Request(ctx, chunks[0])
	require.NoError(t, err)
	assert.Equal(t, "signinreply", reply.Command)
}

func TestCompressedChunkedRequest(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	c := f.connect(t)

	data, err := json.Marshal(dispatch.SigninMessage{Username: "alice", Password: "secret", ClientAgent: "compressed-agent"})
	require.NoError(t, err)
	e := envelope.New("signin", data)
	require.NoError(t, envelope.CompressPayload(e, 1))
	require.True(t, e.Compressed)
	chunks := envelope.Split(e, 16)
	require.Greater(t, len(chunks), 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for _, chunk := range chunks[1:] {
		require.NoError(t, c.Send(ctx, chunk))
	}
	reply, err := c.Request(ctx, chunks[0])
	require.NoError(t, err)
	assert.Equal(t, "signinreply", reply.Command)
	assert.Zero(t, f.broker.Stats().Snapshot().ProtocolErrors)
}

func TestStreamChunksNotRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.Config{
		Enabled: true,
		Message: ratelimit.MessageConfig{
			Enabled:         true,
			Rate:            0.001,
			Burst:           3,
			DisconnectRate:  0.001,
			DisconnectBurst: 10,
		},
	})
	c := f.connect(t)
	signin(t, c, "alice")

	up := mustRequest(t, c, "upload", filestream.Header{Filename: "report.bin"})
	require.Equal(t, "uploadreply", up.Command, string(up.Data))
	id := up.ReplyTo

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for i := 0; i < 60; i++ {
		chunk := envelope.New(envelope.CommandStream, []byte{byte(i)})
		chunk.ReplyTo = id
		require.NoError(t, c.Send(ctx, chunk))
	}
	end := envelope.New(envelope.CommandEndStream, nil)
	end.ReplyTo = id
	reply, err := c.Request(ctx, end)
	require.NoError(t, err)
	var stored dispatch.Result[*blob.Info]
	require.NoError(t, json.Unmarshal(reply.Data, &stored))
	require.NotNil(t, stored.Result)
	assert.EqualValues(t, 60, stored.Result.Size)

	// The third and last token; the next stream start is refused and
	// answered on its own id.
	mustRequest(t, c, "ping", nil)
	begin := envelope.New(envelope.CommandBeginStream, []byte(`{"filename":"late.bin"}`))
	_, err = c.Request(ctx, begin)
	var remote *correlation.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ratelimit.ErrRateLimited.Error(), remote.Message)
	assert.EqualValues(t, 1, f.broker.Stats().Snapshot().RateLimited)
}

func TestUnmatchedReplyDropped(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	c := f.connect(t)

	stray := envelope.New("queuemessagereply", []byte(`{}`))
	stray.ReplyTo = "nobody-asked"
	require.NoError(t, c.Send(context.Background(), stray))
	mustRequest(t, c, "ping", nil)

	snap := f.broker.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.RepliesDropped)
	assert.EqualValues(t, 2, snap.EnvelopesReceived)
}

func TestMessageRateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.Config{
		Enabled: true,
		Message: ratelimit.MessageConfig{
			Enabled:         true,
			Rate:            0.001,
			Burst:           1,
			DisconnectRate:  0.001,
			DisconnectBurst: 2,
		},
	})
	c := f.connect(t)

	mustRequest(t, c, "ping", nil)

	_, err := request(t, c, "ping", nil)
	var remote *correlation.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ratelimit.ErrRateLimited.Error(), remote.Message)

	require.NoError(t, c.Send(context.Background(), envelope.New("ping", nil)))
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("abusive connection not closed")
	}
	assert.EqualValues(t, 2, f.broker.Stats().Snapshot().RateLimited)
}

func TestConnectionRateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.Config{
		Enabled: true,
		Connection: ratelimit.ConnectionConfig{
			Enabled:         true,
			Rate:            0.001,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
	})

	first := f.connect(t)
	mustRequest(t, first, "ping", nil)

	second := f.connect(t)
	select {
	case <-second.Done():
	case <-time.After(waitTimeout):
		t.Fatal("rate limited connection not closed")
	}
	assert.EqualValues(t, 1, f.broker.Stats().Snapshot().Rejected)
	assert.Equal(t, 1, f.registry.Len())
}

func TestDisconnectReleasesSession(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	c := f.connect(t)
	signin(t, c, "bob")
	mustRequest(t, c, "registerqueue", dispatch.RegisterQueueMessage{QueueName: "demo"})
	require.Equal(t, 1, f.backbone.Consumers())
	require.Equal(t, 1, f.registry.Len())

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return f.registry.Len() == 0 && f.backbone.Consumers() == 0
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{
		events.TypeSessionConnected,
		events.TypeSessionSignedIn,
		events.TypeSessionDisconnected,
	}, f.notifier.types())

	snap := f.broker.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.TotalConnections)
	assert.EqualValues(t, 0, snap.CurrentConnections)
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	c := f.connect(t)
	mustRequest(t, c, "ping", nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.broker.Shutdown(ctx))

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client connection not closed on shutdown")
	}
}
