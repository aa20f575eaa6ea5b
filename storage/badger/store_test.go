// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/storage/storagetest"
	"github.com/absmach/flowgate/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{Dir: t.TempDir(), ChunkSize: 64 * 1024}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkitemStore(t *testing.T) {
	storagetest.WorkitemStore(t, func(t *testing.T) workitem.Store {
		return setupTestStore(t).Workitems()
	})
}

func TestBlobStore(t *testing.T) {
	storagetest.BlobStore(t, func(t *testing.T) blob.Store {
		return setupTestStore(t).Blobs()
	})
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)

	q := &workitem.Queue{ID: "q1", Name: "orders", MaxRetries: 3}
	require.NoError(t, s.Workitems().CreateQueue(ctx, q))
	past := time.Now().Add(-time.Minute)
	item := &workitem.Item{ID: "i1", QueueID: q.ID, Queue: q.Name, State: workitem.StateNew, NextRun: &past, Priority: 2}
	require.NoError(t, s.Workitems().Insert(ctx, item))
	info, err := blob.Put(ctx, s.Blobs(), "a.bin", nil, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer s.Close()

	due, err := s.Workitems().Due(ctx, q.ID, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "i1", due[0].ID)

	next := &workitem.Item{ID: "i2", QueueID: q.ID, Queue: q.Name, State: workitem.StateNew, NextRun: &past, Priority: 2}
	require.NoError(t, s.Workitems().Insert(ctx, next))
	assert.Greater(t, next.Seq, item.Seq)

	data, _, err := blob.Get(ctx, s.Blobs(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDueKeyOrdering(t *testing.T) {
	now := time.Now()
	a := &workitem.Item{ID: "a", QueueID: "q", Priority: -1, NextRun: &now, Seq: 9}
	b := &workitem.Item{ID: "b", QueueID: "q", Priority: 0, NextRun: &now, Seq: 1}
	assert.Less(t, string(dueKey(a)), string(dueKey(b)))

	runAt, id, err := parseDueKey(dueKey(b), len(wiDuePrefix+"q:"))
	require.NoError(t, err)
	assert.Equal(t, now.UnixNano(), runAt)
	assert.Equal(t, "b", id)
}
