// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package docstore defines the document store the dispatcher queries and
// the change streams sessions watch.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/absmach/flowgate/auth"
)

// Change operations.
const (
	OpInsert  = "insert"
	OpReplace = "replace"
	OpDelete  = "delete"
)

const (
	FieldID  = "_id"
	FieldACL = "_acl"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrCollectionMissing = errors.New("collection name is required")
	ErrInvalidPipeline   = errors.New("invalid watch pipeline")
	ErrDuplicateID       = errors.New("document id already exists")
)

// Document is one JSON document.
type Document map[string]any

// ID returns the document id, or "".
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// ACL decodes the document access control list.
func (d Document) ACL() auth.ACL {
	raw, ok := d[FieldACL]
	if !ok {
		return nil
	}
	if acl, ok := raw.(auth.ACL); ok {
		return acl
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var acl auth.ACL
	if err := json.Unmarshal(data, &acl); err != nil {
		return nil
	}
	return acl
}

// Query selects documents of a collection. Filter matches top level
// fields by equality.
type Query struct {
	Collection string         `json:"collectionname"`
	Filter     map[string]any `json:"query,omitempty"`
	OrderBy    string         `json:"orderby,omitempty"`
	Top        int            `json:"top,omitempty"`
	Skip       int            `json:"skip,omitempty"`
}

// Change is one event of a change stream.
type Change struct {
	Operation  string   `json:"operationType"`
	Collection string   `json:"collection"`
	ID         string   `json:"_id"`
	Document   Document `json:"fullDocument,omitempty"`
}

// Store is the document store.
type Store interface {
	Query(ctx context.Context, id *auth.Identity, q Query) ([]Document, error)
	Get(ctx context.Context, id *auth.Identity, collection, docID string) (Document, error)
	// Insert stores doc, assigning an id when it has none. Without an ACL
	// the caller gets full control.
	Insert(ctx context.Context, id *auth.Identity, collection string, doc Document) (Document, error)
	// Update replaces the document with the same id.
	Update(ctx context.Context, id *auth.Identity, collection string, doc Document) (Document, error)
	Delete(ctx context.Context, id *auth.Identity, collection, docID string) error
	// Watch streams changes to collection that the caller may read until
	// ctx ends.
	Watch(ctx context.Context, id *auth.Identity, collection string, pipeline json.RawMessage) (<-chan Change, error)
}

// Matches reports whether doc holds every field of filter.
func Matches(doc Document, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !equal(got, want) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Numbers decoded from JSON are float64 while literals may be ints.
	af, aok := number(a)
	bf, bok := number(b)
	return aok && bok && af == bf
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Pipeline is a parsed watch pipeline: the $match stages applied to
// change events.
type Pipeline []map[string]any

// ParsePipeline accepts an empty pipeline or an array of $match stages.
func ParsePipeline(raw json.RawMessage) (Pipeline, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var stages []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &stages); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}
	p := make(Pipeline, 0, len(stages))
	for _, st := range stages {
		m, ok := st["$match"]
		if !ok || len(st) != 1 {
			return nil, fmt.Errorf("%w: only $match stages are supported", ErrInvalidPipeline)
		}
		var filter map[string]any
		if err := json.Unmarshal(m, &filter); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
		}
		p = append(p, filter)
	}
	return p, nil
}

// Matches reports whether c passes every stage. Keys address the change
// itself ("operationType") or the full document ("fullDocument.<field>").
func (p Pipeline) Matches(c Change) bool {
	for _, filter := range p {
		for k, want := range filter {
			var got any
			if k == "operationType" {
				got = c.Operation
			} else {
				field, _ := strings.CutPrefix(k, "fullDocument.")
				got = c.Document[field]
			}
			if !equal(got, want) {
				return false
			}
		}
	}
	return true
}
