// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replyHandler struct {
	names chan string
}

func (h *replyHandler) OnConnected(c transport.Conn) {
	h.names <- c.Transport()
}

func (h *replyHandler) OnReceive(c transport.Conn, e *envelope.Envelope) error {
	return c.Send(context.Background(), e.Reply(e.Data))
}

func (h *replyHandler) OnDisconnected(transport.Conn, error) {}

func TestPipeServer(t *testing.T) {
	dir, err := os.MkdirTemp("", "flowgate-pipe")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "flowgate.sock")

	h := &replyHandler{names: make(chan string, 1)}
	s := New(Config{Path: path, ShutdownTimeout: time.Second}, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	<-s.Ready()

	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()

	c, err := transport.Dial(rctx, "unix", path, transport.StreamConfig{})
	require.NoError(t, err)

	reply, err := c.Request(rctx, envelope.New("echo", []byte("over the pipe")))
	require.NoError(t, err)
	assert.Equal(t, "over the pipe", string(reply.Data))
	assert.Equal(t, transport.NamePipe, <-h.names)

	require.NoError(t, c.Close())
	cancel()
	require.NoError(t, <-done)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.Error(t, removeStale(path))
	assert.NoError(t, removeStale(filepath.Join(dir, "missing")))
}
