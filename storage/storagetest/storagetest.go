// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behaviour tests shared by all storage backends.
package storagetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/workitem"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// WorkitemStore runs the workitem store tests against a fresh store per subtest.
func WorkitemStore(t *testing.T, newStore func(t *testing.T) workitem.Store) {
	t.Run("queues", func(t *testing.T) { testQueues(t, newStore(t)) })
	t.Run("due order", func(t *testing.T) { testDueOrder(t, newStore(t)) })
	t.Run("compare and swap", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("concurrent claim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

// BlobStore runs the blob store tests against a fresh store per subtest.
func BlobStore(t *testing.T, newStore func(t *testing.T) blob.Store) {
	t.Run("round trip", func(t *testing.T) { testBlobRoundTrip(t, newStore(t)) })
	t.Run("abort", func(t *testing.T) { testBlobAbort(t, newStore(t)) })
	t.Run("copy and delete", func(t *testing.T) { testBlobCopyDelete(t, newStore(t)) })
}

func newQueue(name string) *workitem.Queue {
	now := time.Now().UTC()
	return &workitem.Queue{ID: uuid.NewString(), Name: name, MaxRetries: 3, Created: now, Modified: now}
}

func newItem(q *workitem.Queue, name string, priority int, nextRun time.Time) *workitem.Item {
	return &workitem.Item{
		ID:       uuid.NewString(),
		QueueID:  q.ID,
		Queue:    q.Name,
		Name:     name,
		Payload:  json.RawMessage(`{}`),
		Priority: priority,
		State:    workitem.StateNew,
		NextRun:  &nextRun,
	}
}

func testQueues(t *testing.T, s workitem.Store) {
	ctx := context.Background()

	q := newQueue("invoices")
	require.NoError(t, s.CreateQueue(ctx, q))
	assert.ErrorIs(t, s.CreateQueue(ctx, newQueue("invoices")), workitem.ErrQueueExists)

	got, err := s.GetQueueByName(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)

	got.Name = "bills"
	got.MaxRetries = 5
	require.NoError(t, s.UpdateQueue(ctx, got))

	_, err = s.GetQueueByName(ctx, "invoices")
	assert.ErrorIs(t, err, workitem.ErrQueueNotFound)
	got, err = s.GetQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "bills", got.Name)
	assert.Equal(t, 5, got.MaxRetries)

	require.NoError(t, s.CreateQueue(ctx, newQueue("archive")))
	queues, err := s.ListQueues(ctx)
	require.NoError(t, err)
	assert.Len(t, queues, 2)

	require.NoError(t, s.DeleteQueue(ctx, q.ID))
	_, err = s.GetQueue(ctx, q.ID)
	assert.ErrorIs(t, err, workitem.ErrQueueNotFound)
	assert.ErrorIs(t, s.DeleteQueue(ctx, q.ID), workitem.ErrQueueNotFound)
}

func testDueOrder(t *testing.T, s workitem.Store) {
	ctx := context.Background()
	q := newQueue("q")
	require.NoError(t, s.CreateQueue(ctx, q))

	now := time.Now().UTC()
	items := []*workitem.Item{
		newItem(q, "low-early", 3, now.Add(-time.Minute)),
		newItem(q, "high-late", 1, now.Add(-time.Second)),
		newItem(q, "high-early", 1, now.Add(-time.Minute)),
		newItem(q, "future", 0, now.Add(time.Hour)),
		newItem(q, "mid-a", 2, now.Add(-time.Minute)),
		newItem(q, "mid-b", 2, now.Add(-time.Minute)),
	}
	for _, it := range items {
		require.NoError(t, s.Insert(ctx, it))
	}

	due, err := s.Due(ctx, q.ID, now, 0)
	require.NoError(t, err)

	names := make([]string, len(due))
	for i, it := range due {
		names[i] = it.Name
	}
	assert.Equal(t, []string{"high-early", "high-late", "mid-a", "mid-b", "low-early"}, names)

	due, err = s.Due(ctx, q.ID, now, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	count, err := s.CountByQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	all, err := s.ListByQueue(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "low-early", all[0].Name)
}

func testCompareAndSwap(t *testing.T, s workitem.Store) {
	ctx := context.Background()
	q := newQueue("q")
	require.NoError(t, s.CreateQueue(ctx, q))

	item := newItem(q, "job", 2, time.Now().Add(-time.Second))
	require.NoError(t, s.Insert(ctx, item))

	claimed := item.Clone()
	claimed.State = workitem.StateProcessing
	claimed.UserID = "robot-1"
	claimed.NextRun = nil

	cond := workitem.Claim{ID: item.ID, State: workitem.StateNew}
	require.NoError(t, s.CompareAndSwap(ctx, cond, claimed))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, cond, claimed), workitem.ErrConflict)

	due, err := s.Due(ctx, q.ID, time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.StateProcessing, got.State)
	assert.Equal(t, "robot-1", got.UserID)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, item.Seq, got.Seq)

	got.State = workitem.StateNew
	got.UserID = ""
	next := time.Now().Add(-time.Millisecond)
	got.NextRun = &next
	require.NoError(t, s.Replace(ctx, got))

	due, err = s.Due(ctx, q.ID, time.Now(), 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	missing := newItem(q, "missing", 2, time.Now())
	assert.ErrorIs(t, s.CompareAndSwap(ctx, workitem.Claim{ID: missing.ID, State: workitem.StateNew}, missing), workitem.ErrItemNotFound)
}

func testConcurrentClaim(t *testing.T, s workitem.Store) {
	ctx := context.Background()
	q := newQueue("q")
	require.NoError(t, s.CreateQueue(ctx, q))

	item := newItem(q, "job", 2, time.Now().Add(-time.Second))
	require.NoError(t, s.Insert(ctx, item))

	const claimers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range claimers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed := item.Clone()
			claimed.State = workitem.StateProcessing
			claimed.UserID = fmt.Sprintf("robot-%d", i)
			claimed.NextRun = nil
			if err := s.CompareAndSwap(ctx, workitem.Claim{ID: item.ID, State: workitem.StateNew}, claimed); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, workitem.ErrConflict)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testDelete(t *testing.T, s workitem.Store) {
	ctx := context.Background()
	q := newQueue("q")
	require.NoError(t, s.CreateQueue(ctx, q))

	item := newItem(q, "job", 2, time.Now().Add(-time.Second))
	require.NoError(t, s.Insert(ctx, item))
	require.NoError(t, s.Delete(ctx, item.ID))

	_, err := s.Get(ctx, item.ID)
	assert.ErrorIs(t, err, workitem.ErrItemNotFound)
	assert.ErrorIs(t, s.Delete(ctx, item.ID), workitem.ErrItemNotFound)

	due, err := s.Due(ctx, q.ID, time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	count, err := s.CountByQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testBlobRoundTrip(t *testing.T, s blob.Store) {
	ctx := context.Background()
	data := bytes.Repeat([]byte("flowgate-"), 100_000)

	w, err := s.OpenUploadStream(ctx, "docs/report.pdf", map[string]string{blob.MetaQueue: "q"})
	require.NoError(t, err)
	for chunk := range slices.Chunk(data, 7919) {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}
	info, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.ID(), info.ID)
	assert.Equal(t, "report.pdf", info.Name)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Len(t, info.Checksum, 64)

	_, err = w.Commit(ctx)
	assert.ErrorIs(t, err, blob.ErrWriterClosed)

	r, got, err := s.OpenDownloadStream(ctx, info.ID)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "q", got.Metadata[blob.MetaQueue])

	read, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, read))

	_, err = s.OpenUploadStream(ctx, "", nil)
	assert.ErrorIs(t, err, blob.ErrEmptyName)
}

func testBlobAbort(t *testing.T, s blob.Store) {
	ctx := context.Background()

	w, err := s.OpenUploadStream(ctx, "partial.bin", nil)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{1}, 1<<20))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, err = s.Stat(ctx, w.ID())
	assert.ErrorIs(t, err, blob.ErrNotFound)
	_, _, err = s.OpenDownloadStream(ctx, w.ID())
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, err = w.Write([]byte{2})
	assert.ErrorIs(t, err, blob.ErrWriterClosed)
}

func testBlobCopyDelete(t *testing.T, s blob.Store) {
	ctx := context.Background()

	info, err := blob.Put(ctx, s, "a.txt", nil, []byte("hello"))
	require.NoError(t, err)

	cp, err := blob.Copy(ctx, s, info.ID, map[string]string{blob.MetaQueue: "r"})
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, cp.ID)
	assert.Equal(t, info.Checksum, cp.Checksum)

	require.NoError(t, s.Delete(ctx, info.ID))
	assert.ErrorIs(t, s.Delete(ctx, info.ID), blob.ErrNotFound)

	data, got, err := blob.Get(ctx, s, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "r", got.Metadata[blob.MetaQueue])
}
