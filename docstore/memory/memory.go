// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements an in-process document store with change
// streams.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/docstore"
	"github.com/google/uuid"
)

var _ docstore.Store = (*Store)(nil)

// DefaultWatchBuffer is the number of changes buffered per watcher before
// changes are dropped.
const DefaultWatchBuffer = 64

type record struct {
	seq uint64
	doc docstore.Document
}

type watcher struct {
	id       *auth.Identity
	pipeline docstore.Pipeline
	ch       chan docstore.Change
}

// Store is an in-memory document store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]*record
	watchers    map[string]map[*watcher]struct{}
	seq         uint64
	authz       auth.Authorizer
	buffer      int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		collections: make(map[string]map[string]*record),
		watchers:    make(map[string]map[*watcher]struct{}),
		authz:       auth.ACLAuthorizer{},
		buffer:      DefaultWatchBuffer,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Store) can(id *auth.Identity, doc docstore.Document, right auth.Right) bool {
	return s.authz.HasRight(id, doc.ACL(), right)
}

// Query returns the readable documents matching q.
func (s *Store) Query(_ context.Context, id *auth.Identity, q docstore.Query) ([]docstore.Document, error) {
	if q.Collection == "" {
		return nil, docstore.ErrCollectionMissing
	}

	s.mu.RLock()
	var recs []*record
	for _, r := range s.collections[q.Collection] {
		if s.can(id, r.doc, auth.RightRead) && docstore.Matches(r.doc, q.Filter) {
			recs = append(recs, r)
		}
	}
	s.mu.RUnlock()

	sortRecords(recs, q.OrderBy)
	if q.Skip > 0 {
		recs = recs[min(q.Skip, len(recs)):]
	}
	if q.Top > 0 && len(recs) > q.Top {
		recs = recs[:q.Top]
	}

	out := make([]docstore.Document, len(recs))
	for i, r := range recs {
		out[i] = clone(r.doc)
	}
	return out, nil
}

// sortRecords orders by field, or descending with a leading "-", falling
// back to insertion order.
func sortRecords(recs []*record, orderBy string) {
	field, desc := strings.CutPrefix(orderBy, "-")
	slices.SortFunc(recs, func(a, b *record) int {
		if field != "" {
			if c := compare(a.doc[field], b.doc[field]); c != 0 {
				if desc {
					return -c
				}
				return c
			}
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

func compare(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return cmp.Compare(av, bv)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Get returns one readable document.
func (s *Store) Get(_ context.Context, id *auth.Identity, collection, docID string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.collections[collection][docID]
	if !ok || !s.can(id, r.doc, auth.RightRead) {
		return nil, docstore.ErrNotFound
	}
	return clone(r.doc), nil
}

// Insert stores a new document.
func (s *Store) Insert(_ context.Context, id *auth.Identity, collection string, doc docstore.Document) (docstore.Document, error) {
	if collection == "" {
		return nil, docstore.ErrCollectionMissing
	}
	doc = clone(doc)
	if doc.ID() == "" {
		doc[docstore.FieldID] = uuid.NewString()
	}
	if _, ok := doc[docstore.FieldACL]; !ok {
		var acl auth.ACL
		acl.Add(auth.AdminsRoleID, "admins", auth.RightFullControl)
		if id != nil {
			acl.Add(id.ID, id.Name, auth.RightFullControl)
		}
		doc[docstore.FieldACL] = normalize(acl)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	doc["_created"] = now
	doc["_modified"] = now
	if id != nil {
		doc["_createdby"] = id.Name
		doc["_createdbyid"] = id.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]*record)
		s.collections[collection] = coll
	}
	if _, exists := coll[doc.ID()]; exists {
		return nil, fmt.Errorf("%w: %s", docstore.ErrDuplicateID, doc.ID())
	}
	s.seq++
	coll[doc.ID()] = &record{seq: s.seq, doc: doc}
	s.publishLocked(collection, docstore.Change{Operation: docstore.OpInsert, ID: doc.ID(), Document: doc})
	return clone(doc), nil
}

// Update replaces an existing document. The ACL and creation fields are
// kept unless doc carries its own ACL.
func (s *Store) Update(_ context.Context, id *auth.Identity, collection string, doc docstore.Document) (docstore.Document, error) {
	doc = clone(doc)
	docID := doc.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.collections[collection][docID]
	if !ok || !s.can(id, r.doc, auth.RightRead) {
		return nil, docstore.ErrNotFound
	}
	if !s.can(id, r.doc, auth.RightUpdate) {
		return nil, fmt.Errorf("%w: update %s", docstore.ErrAccessDenied, docID)
	}
	for _, k := range []string{docstore.FieldACL, "_created", "_createdby", "_createdbyid"} {
		if _, set := doc[k]; !set {
			if v, had := r.doc[k]; had {
				doc[k] = v
			}
		}
	}
	doc["_modified"] = s.now().UTC().Format(time.RFC3339Nano)
	if id != nil {
		doc["_modifiedby"] = id.Name
		doc["_modifiedbyid"] = id.ID
	}
	r.doc = doc
	s.publishLocked(collection, docstore.Change{Operation: docstore.OpReplace, ID: docID, Document: doc})
	return clone(doc), nil
}

// Delete removes a document.
func (s *Store) Delete(_ context.Context, id *auth.Identity, collection, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.collections[collection][docID]
	if !ok || !s.can(id, r.doc, auth.RightRead) {
		return docstore.ErrNotFound
	}
	if !s.can(id, r.doc, auth.RightDelete) {
		return fmt.Errorf("%w: delete %s", docstore.ErrAccessDenied, docID)
	}
	delete(s.collections[collection], docID)
	s.publishLocked(collection, docstore.Change{Operation: docstore.OpDelete, ID: docID, Document: r.doc})
	return nil
}

// Watch streams changes of collection to the caller until ctx ends.
func (s *Store) Watch(ctx context.Context, id *auth.Identity, collection string, pipeline json.RawMessage) (<-chan docstore.Change, error) {
	if collection == "" {
		return nil, docstore.ErrCollectionMissing
	}
	p, err := docstore.ParsePipeline(pipeline)
	if err != nil {
		return nil, err
	}

	w := &watcher{id: id, pipeline: p, ch: make(chan docstore.Change, s.buffer)}
	s.mu.Lock()
	ws, ok := s.watchers[collection]
	if !ok {
		ws = make(map[*watcher]struct{})
		s.watchers[collection] = ws
	}
	ws[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[collection], w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

func (s *Store) publishLocked(collection string, c docstore.Change) {
	c.Collection = collection
	for w := range s.watchers[collection] {
		if !s.can(w.id, c.Document, auth.RightRead) || !w.pipeline.Matches(c) {
			continue
		}
		ev := c
		ev.Document = clone(c.Document)
		select {
		case w.ch <- ev:
		default:
			s.logger.Warn("docstore_watch_overflow",
				slog.String("collection", collection),
				slog.String("document", c.ID))
		}
	}
}

// clone deep copies a document through JSON so every stored value has its
// decoded JSON type.
func clone(doc docstore.Document) docstore.Document {
	out := docstore.Document{}
	if doc == nil {
		return out
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	_ = json.Unmarshal(data, &out)
	return out
}
