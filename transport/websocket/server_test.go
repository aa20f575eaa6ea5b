// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	disconnected chan error
}

func (h *echoHandler) OnConnected(c transport.Conn) {}

func (h *echoHandler) OnReceive(c transport.Conn, e *envelope.Envelope) error {
	return c.Send(context.Background(), e.Reply(e.Data))
}

func (h *echoHandler) OnDisconnected(_ transport.Conn, err error) {
	h.disconnected <- err
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func TestWebSocketEcho(t *testing.T) {
	tests := []struct {
		name    string
		codec   envelope.Codec
		msgType int
	}{
		{"json text", nil, websocket.TextMessage},
		{"msgpack binary", envelope.MsgpackCodec{}, websocket.BinaryMessage},
		{"proto binary", envelope.ProtoCodec{}, websocket.BinaryMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &echoHandler{disconnected: make(chan error, 1)}
			wire := envelope.Wire{Codec: tt.codec}
			s := New(Config{Wire: wire}, h, nil)
			srv := httptest.NewServer(s.Handler())
			defer srv.Close()

			ws := dial(t, srv)

			req := envelope.New("echo", []byte("hello"))
			data, err := wire.Encode(req)
			require.NoError(t, err)
			require.NoError(t, ws.WriteMessage(tt.msgType, data))

			msgType, data, err := ws.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, tt.msgType, msgType)

			reply, err := wire.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, req.ID, reply.ReplyTo)
			assert.Equal(t, "hello", string(reply.Data))

			require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
			select {
			case err := <-h.disconnected:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("disconnect not reported")
			}
			ws.Close()
		})
	}
}

func TestWebSocketProtocolErrorCloses(t *testing.T) {
	h := &echoHandler{disconnected: make(chan error, 1)}
	s := New(Config{}, h, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws := dial(t, srv)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"command":"echo"}`)))
	select {
	case err := <-h.disconnected:
		assert.ErrorIs(t, err, envelope.ErrMissingID)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestWebSocketListenShutdown(t *testing.T) {
	h := &echoHandler{disconnected: make(chan error, 1)}
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second}, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	<-s.Ready()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+DefaultPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	cancel()
	require.NoError(t, <-done)
	select {
	case <-h.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed on shutdown")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))
}
