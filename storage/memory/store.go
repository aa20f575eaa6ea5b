// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides in-memory storage backends.
package memory

import (
	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/storage"
	"github.com/absmach/flowgate/workitem"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	workitems *WorkitemStore
	blobs     *BlobStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		workitems: NewWorkitemStore(),
		blobs:     NewBlobStore(),
	}
}

// Workitems returns the workitem store.
func (s *Store) Workitems() workitem.Store {
	return s.workitems
}

// Blobs returns the blob store.
func (s *Store) Blobs() blob.Store {
	return s.blobs
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
