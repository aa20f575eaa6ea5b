// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/absmach/flowgate/correlation"
	"github.com/absmach/flowgate/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcHandler struct {
	connected    func(Conn)
	receive      func(Conn, *envelope.Envelope) error
	disconnected chan error
}

func newFuncHandler() *funcHandler {
	return &funcHandler{disconnected: make(chan error, 1)}
}

func (h *funcHandler) OnConnected(c Conn) {
	if h.connected != nil {
		h.connected(c)
	}
}

func (h *funcHandler) OnReceive(c Conn, e *envelope.Envelope) error {
	if h.receive != nil {
		return h.receive(c, e)
	}
	return nil
}

func (h *funcHandler) OnDisconnected(_ Conn, err error) {
	h.disconnected <- err
}

// serve runs h on the server end of a pipe and returns a client on the
// other end.
func serve(t *testing.T, h Handler) (*Client, context.CancelFunc) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go ServeStream(ctx, serverEnd, "test", StreamConfig{}, h, nil)

	c := NewClient(clientEnd, StreamConfig{})
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c, cancel
}

func echo(c Conn, e *envelope.Envelope) error {
	return c.Send(context.Background(), e.Reply(e.Data))
}

func TestRequestReply(t *testing.T) {
	h := newFuncHandler()
	h.receive = echo
	c, _ := serve(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.Request(ctx, envelope.New("echo", []byte(`{"n":1}`)))
	require.NoError(t, err)
	assert.Equal(t, "echoreply", reply.Command)
	assert.JSONEq(t, `{"n":1}`, string(reply.Data))
}

func TestRequestRemoteError(t *testing.T) {
	h := newFuncHandler()
	h.receive = func(c Conn, e *envelope.Envelope) error {
		return c.Send(context.Background(), e.ErrorReply([]byte(`{"message":"queue not found"}`)))
	}
	c, _ := serve(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Request(ctx, envelope.New("closequeue", nil))
	var remote *correlation.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "queue not found", remote.Message)
}

func TestRequestContextCancelled(t *testing.T) {
	h := newFuncHandler()
	c, _ := serve(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, envelope.New("echo", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChunkedReplyReassembled(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 5000)
	h := newFuncHandler()
	h.receive = func(c Conn, e *envelope.Envelope) error {
		for _, part := range envelope.Split(e.Reply(payload), 1024) {
			if err := c.Send(context.Background(), part); err != nil {
				return err
			}
		}
		return nil
	}
	c, _ := serve(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.Request(ctx, envelope.New("download", nil))
	require.NoError(t, err)
	assert.Equal(t, payload, reply.Data)
}

func TestChunkedSend(t *testing.T) {
	got := make(chan *envelope.Envelope, 16)
	h := newFuncHandler()
	h.receive = func(_ Conn, e *envelope.Envelope) error {
		got <- e
		return nil
	}
	c, _ := serve(t, h)
	c.SetChunkSize(100)

	e := envelope.New("queuemessage", bytes.Repeat([]byte("y"), 250))
	require.NoError(t, c.Send(context.Background(), e))

	for i := 0; i < 3; i++ {
		select {
		case part := <-got:
			assert.Equal(t, e.ID, part.ID)
			assert.Equal(t, i, part.Index)
			assert.Equal(t, 3, part.Count)
		case <-time.After(2 * time.Second):
			t.Fatalf("chunk %d not received", i)
		}
	}
}

func TestUnsolicitedEnvelopesInbound(t *testing.T) {
	h := newFuncHandler()
	h.connected = func(c Conn) {
		go c.Send(context.Background(), envelope.New("refreshtoken", []byte(`{"jwt":"t"}`)))
	}
	c, _ := serve(t, h)

	select {
	case e := <-c.Inbound():
		assert.Equal(t, "refreshtoken", e.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	errBad := errors.New("bad envelope")
	h := newFuncHandler()
	h.receive = func(Conn, *envelope.Envelope) error { return errBad }
	c, _ := serve(t, h)

	require.NoError(t, c.Send(context.Background(), envelope.New("garbage", nil)))

	select {
	case err := <-h.disconnected:
		assert.ErrorIs(t, err, errBad)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close the connection")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the close")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	h := newFuncHandler()
	c, cancel := serve(t, h)

	cancel()
	select {
	case err := <-h.disconnected:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed on cancel")
	}

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	_, err := c.Request(ctx, envelope.New("echo", nil))
	assert.Error(t, err)
}

func TestBaseSendAfterClose(t *testing.T) {
	closed := 0
	b := NewBase("test", "remote", 1, func() error {
		closed++
		return nil
	})

	require.NoError(t, b.Send(context.Background(), envelope.New("ping", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Send(ctx, envelope.New("ping", nil)), context.DeadlineExceeded)

	errGone := errors.New("gone")
	require.NoError(t, b.CloseWithError(errGone))
	require.NoError(t, b.Close())
	assert.Equal(t, 1, closed)
	assert.ErrorIs(t, b.Err(), errGone)
	assert.ErrorIs(t, b.Send(context.Background(), envelope.New("ping", nil)), ErrConnClosed)
}
