// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/flowgate/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_OutOfOrderReplies(t *testing.T) {
	tr := New(time.Minute, 0)

	a, err := tr.Register("a", "query")
	require.NoError(t, err)
	b, err := tr.Register("b", "query")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, p := range []*Pending{a, b} {
		wg.Add(1)
		go func(p *Pending) {
			defer wg.Done()
			reply, err := p.Wait(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results[p.ID] = string(reply.Data)
			mu.Unlock()
		}(p)
	}

	assert.True(t, tr.Resolve(&envelope.Envelope{ID: "2", ReplyTo: "b", Command: "queryreply", Data: []byte("for-b")}))
	assert.True(t, tr.Resolve(&envelope.Envelope{ID: "1", ReplyTo: "a", Command: "queryreply", Data: []byte("for-a")}))
	wg.Wait()

	assert.Equal(t, "for-a", results["a"])
	assert.Equal(t, "for-b", results["b"])
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ResolveOnce(t *testing.T) {
	tr := New(time.Minute, 0)
	_, err := tr.Register("a", "ping")
	require.NoError(t, err)

	reply := &envelope.Envelope{ID: "r", ReplyTo: "a", Command: "pong"}
	assert.True(t, tr.IsPending(reply))
	assert.True(t, tr.Resolve(reply))
	assert.False(t, tr.Resolve(reply))
	assert.False(t, tr.IsPending(reply))
}

func TestTracker_ErrorReply(t *testing.T) {
	tr := New(time.Minute, 0)
	p, err := tr.Register("a", "popworkitem")
	require.NoError(t, err)

	tr.Resolve(&envelope.Envelope{ID: "r", ReplyTo: "a", Command: envelope.CommandError, Data: []byte(`{"message":"queue not found"}`)})

	_, err = p.Wait(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "queue not found", remote.Message)
}

func TestTracker_Expire(t *testing.T) {
	tr := New(50*time.Millisecond, 0)
	p, err := tr.Register("a", "query")
	require.NoError(t, err)

	assert.Equal(t, 0, tr.Expire(time.Now()))
	assert.Equal(t, 1, tr.Expire(time.Now().Add(time.Second)))

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ClearOnDisconnect(t *testing.T) {
	tr := New(time.Minute, 0)
	p1, _ := tr.Register("a", "x")
	p2, _ := tr.Register("b", "x")

	tr.Close(ErrDisconnected)

	for _, p := range []*Pending{p1, p2} {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, ErrDisconnected)
	}

	_, err := tr.Register("c", "x")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestTracker_Limits(t *testing.T) {
	tr := New(time.Minute, 1)

	_, err := tr.Register("", "x")
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = tr.Register("a", "x")
	require.NoError(t, err)

	_, err = tr.Register("a", "x")
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = tr.Register("b", "x")
	assert.ErrorIs(t, err, ErrMaxPending)
}

func TestPending_WaitContext(t *testing.T) {
	tr := New(time.Minute, 0)
	p, _ := tr.Register("a", "x")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tr.Len())
}
