// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"fmt"
	"sync"
	"time"
)

// Policy decides what happens when a partial message outgrows the
// reassembly ceiling.
type Policy int

const (
	// PolicyDropConnection reports ErrTooManyChunks; the caller closes the
	// connection.
	PolicyDropConnection Policy = iota
	// PolicyDiscard drops the partial message and reports ErrChunksDiscarded.
	PolicyDiscard
)

// ParsePolicy resolves a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop_connection":
		return PolicyDropConnection, nil
	case "discard":
		return PolicyDiscard, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

func (p Policy) String() string {
	if p == PolicyDiscard {
		return "discard"
	}
	return "drop_connection"
}

// DefaultMaxChunks is the default per-message chunk ceiling.
const DefaultMaxChunks = 1048576

type partial struct {
	head     *Envelope
	parts    [][]byte
	received int
	size     int
	started  time.Time
}

// Reassembler groups chunks by envelope ID and rebuilds the logical
// message in index order once every chunk has arrived.
type Reassembler struct {
	mu        sync.Mutex
	maxChunks int
	policy    Policy
	partials  map[string]*partial
}

// NewReassembler creates a reassembler with the given ceiling and policy.
func NewReassembler(maxChunks int, policy Policy) *Reassembler {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Reassembler{
		maxChunks: maxChunks,
		policy:    policy,
		partials:  make(map[string]*partial),
	}
}

// Add buffers one chunk. It returns the complete message once the last
// missing chunk arrives and nil while chunks are outstanding. Single chunk
// envelopes are returned immediately without buffering.
func (r *Reassembler) Add(e *Envelope) (*Envelope, error) {
	count := e.Chunks()
	if e.Index < 0 || e.Index >= count {
		return nil, fmt.Errorf("%w: envelope %s index %d count %d", ErrInvalidChunk, e.ID, e.Index, count)
	}
	if count == 1 {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if count > r.maxChunks {
		return nil, r.overflowLocked(e.ID)
	}

	p, ok := r.partials[e.ID]
	if !ok {
		p = &partial{
			head:    e.Clone(),
			parts:   make([][]byte, count),
			started: time.Now(),
		}
		r.partials[e.ID] = p
	}
	if len(p.parts) != count {
		delete(r.partials, e.ID)
		return nil, fmt.Errorf("%w: envelope %s count changed from %d to %d", ErrInvalidChunk, e.ID, len(p.parts), count)
	}
	if p.parts[e.Index] != nil {
		return nil, nil
	}

	data := e.Data
	if data == nil {
		data = []byte{}
	}
	p.parts[e.Index] = data
	p.received++
	p.size += len(data)
	if e.Index == 0 {
		// The first chunk carries the routing fields of the message.
		p.head = e.Clone()
	}
	if p.received < count {
		return nil, nil
	}

	delete(r.partials, e.ID)
	out := p.head
	out.Index = 0
	out.Count = 1
	out.Hash = ""
	out.Data = make([]byte, 0, p.size)
	for _, part := range p.parts {
		out.Data = append(out.Data, part...)
	}
	return out, nil
}

func (r *Reassembler) overflowLocked(id string) error {
	delete(r.partials, id)
	if r.policy == PolicyDiscard {
		return fmt.Errorf("%w: envelope %s", ErrChunksDiscarded, id)
	}
	return fmt.Errorf("%w: envelope %s exceeds %d chunks", ErrTooManyChunks, id, r.maxChunks)
}

// Expire drops partial messages started before the cutoff and returns how
// many were dropped.
func (r *Reassembler) Expire(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, p := range r.partials {
		if p.started.Before(before) {
			delete(r.partials, id)
			n++
		}
	}
	return n
}

// Pending returns the number of partial messages buffered.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

// Reset drops every partial message.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partials = make(map[string]*partial)
}
