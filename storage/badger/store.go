// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides BadgerDB-backed storage.
package badger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/storage"
	"github.com/absmach/flowgate/workitem"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const defaultGCInterval = 5 * time.Minute

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	workitems *WorkitemStore
	blobs     *BlobStore

	logger     *slog.Logger
	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	SyncWrites bool          // fsync every write
	GCInterval time.Duration // value log GC interval
	ChunkSize  int           // blob chunk size in bytes
}

// New opens the database and starts value log GC.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	workitems, err := NewWorkitemStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}

	s := &Store{
		db:         db,
		workitems:  workitems,
		blobs:      NewBlobStore(db, cfg.ChunkSize),
		logger:     logger,
		gcInterval: gcInterval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

// Workitems returns the workitem store.
func (s *Store) Workitems() workitem.Store {
	return s.workitems
}

// Blobs returns the blob store.
func (s *Store) Blobs() blob.Store {
	return s.blobs
}

// Close stops GC and closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	if err := s.workitems.Close(); err != nil {
		s.logger.Warn("workitem_sequence_release_failed", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				s.logger.Debug("badger_gc_failed", slog.String("error", err.Error()))
			}
		case <-s.gcStopCh:
			return
		}
	}
}
