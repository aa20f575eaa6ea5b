// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	connected    chan transport.Conn
	disconnected chan error
}

func newEchoHandler() *echoHandler {
	return &echoHandler{
		connected:    make(chan transport.Conn, 4),
		disconnected: make(chan error, 4),
	}
}

func (h *echoHandler) OnConnected(c transport.Conn) {
	h.connected <- c
}

func (h *echoHandler) OnReceive(c transport.Conn, e *envelope.Envelope) error {
	return c.Send(context.Background(), e.Reply(e.Data))
}

func (h *echoHandler) OnDisconnected(_ transport.Conn, err error) {
	h.disconnected <- err
}

func post(t *testing.T, url, session string, envs ...*envelope.Envelope) (*http.Response, []*envelope.Envelope) {
	t.Helper()

	wire := envelope.Wire{}
	raw := make([]json.RawMessage, 0, len(envs))
	for _, e := range envs {
		data, err := wire.Encode(e)
		require.NoError(t, err)
		raw = append(raw, data)
	}
	body, err := json.Marshal(raw)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url+EnvelopesPath, bytes.NewReader(body))
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var out []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	replies := make([]*envelope.Envelope, 0, len(out))
	for _, r := range out {
		e, err := wire.Decode(r)
		require.NoError(t, err)
		replies = append(replies, e)
	}
	return resp, replies
}

func TestRESTPolling(t *testing.T) {
	h := newEchoHandler()
	s := New(Config{PollTimeout: 100 * time.Millisecond}, h, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, out := post(t, srv.URL, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := resp.Header.Get(SessionHeader)
	require.NotEmpty(t, session)
	assert.Empty(t, out)
	assert.Equal(t, transport.NameREST, (<-h.connected).Transport())
	assert.Equal(t, 1, s.Len())

	req := envelope.New("echo", []byte("polled"))
	resp, out = post(t, srv.URL, session, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out, 1)
	assert.Equal(t, req.ID, out[0].ReplyTo)
	assert.Equal(t, "polled", string(out[0].Data))

	resp, _ = post(t, srv.URL, "missing")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	del, err := http.NewRequest(http.MethodDelete, srv.URL+EnvelopesPath, nil)
	require.NoError(t, err)
	del.Header.Set(SessionHeader, session)
	dresp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	dresp.Body.Close()
	assert.Equal(t, http.StatusNoContent, dresp.StatusCode)

	select {
	case err := <-h.disconnected:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.Zero(t, s.Len())
}

func TestRESTLongPollWakesOnPush(t *testing.T) {
	h := newEchoHandler()
	s := New(Config{PollTimeout: 5 * time.Second}, h, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+EnvelopesPath, bytes.NewReader([]byte("[]")))
	require.NoError(t, err)

	go func() {
		c := <-h.connected
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, c.Send(context.Background(), envelope.New("queuemessage", []byte("pushed"))))
	}()

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRESTBadEnvelopeClosesSession(t *testing.T) {
	h := newEchoHandler()
	s := New(Config{PollTimeout: 50 * time.Millisecond}, h, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, _ := post(t, srv.URL, "")
	session := resp.Header.Get(SessionHeader)

	req, err := http.NewRequest(http.MethodPost, srv.URL+EnvelopesPath, bytes.NewReader([]byte(`[{"command":"echo"}]`)))
	require.NoError(t, err)
	req.Header.Set(SessionHeader, session)
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	select {
	case err := <-h.disconnected:
		assert.ErrorIs(t, err, envelope.ErrMissingID)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestRESTIdleSweep(t *testing.T) {
	h := newEchoHandler()
	s := New(Config{PollTimeout: 10 * time.Millisecond, IdleTimeout: time.Minute}, h, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post(t, srv.URL, "")
	assert.Zero(t, s.sweep())

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, s.sweep())

	select {
	case err := <-h.disconnected:
		assert.ErrorIs(t, err, ErrIdle)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
}
