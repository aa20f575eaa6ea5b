// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/absmach/flowgate/blob"
	"github.com/google/uuid"
)

var _ blob.Store = (*BlobStore)(nil)

type object struct {
	info blob.Info
	data []byte
}

// BlobStore keeps committed objects in a map.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]*object
}

// NewBlobStore creates an empty blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]*object)}
}

func (s *BlobStore) OpenUploadStream(_ context.Context, filename string, metadata map[string]string) (blob.Writer, error) {
	if filename == "" {
		return nil, blob.ErrEmptyName
	}
	return &blobWriter{
		store:    s,
		id:       uuid.NewString(),
		filename: filename,
		metadata: maps.Clone(metadata),
		sum:      sha256.New(),
	}, nil
}

func (s *BlobStore) OpenDownloadStream(_ context.Context, id string) (io.ReadCloser, *blob.Info, error) {
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, blob.ErrNotFound
	}
	info := obj.info
	return io.NopCloser(bytes.NewReader(obj.data)), &info, nil
}

func (s *BlobStore) Stat(_ context.Context, id string) (*blob.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, blob.ErrNotFound
	}
	info := obj.info
	return &info, nil
}

func (s *BlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return blob.ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

// Len returns the number of committed objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

type blobWriter struct {
	store    *BlobStore
	id       string
	filename string
	metadata map[string]string
	buf      bytes.Buffer
	sum      hash.Hash
	done     bool
}

func (w *blobWriter) ID() string {
	return w.id
}

func (w *blobWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, blob.ErrWriterClosed
	}
	w.sum.Write(p)
	return w.buf.Write(p)
}

func (w *blobWriter) Commit(_ context.Context) (*blob.Info, error) {
	if w.done {
		return nil, blob.ErrWriterClosed
	}
	w.done = true

	info := blob.Info{
		ID:       w.id,
		Name:     blob.BaseName(w.filename),
		Filename: w.filename,
		Size:     int64(w.buf.Len()),
		Checksum: hex.EncodeToString(w.sum.Sum(nil)),
		Metadata: w.metadata,
		Created:  time.Now().UTC(),
	}

	w.store.mu.Lock()
	w.store.objects[w.id] = &object{info: info, data: bytes.Clone(w.buf.Bytes())}
	w.store.mu.Unlock()

	w.buf.Reset()
	return &info, nil
}

func (w *blobWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
