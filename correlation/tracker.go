// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package correlation matches reply envelopes to the requests awaiting them.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/absmach/flowgate/envelope"
)

// Tracker errors.
var (
	ErrTimeout       = errors.New("reply timed out")
	ErrDisconnected  = errors.New("connection closed before reply")
	ErrDuplicateID   = errors.New("request id already pending")
	ErrMaxPending    = errors.New("too many pending requests")
	ErrMissingID     = errors.New("request id is required")
	ErrTrackerClosed = errors.New("tracker closed")
)

// RemoteError is returned when the peer answered with an error envelope.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Pending is one request awaiting its reply. It completes exactly once,
// either with a reply, a remote error, a timeout or a disconnect.
type Pending struct {
	ID         string
	Command    string
	EnqueuedAt time.Time

	done  chan struct{}
	reply *envelope.Envelope
	err   error
}

// Done is closed when the request completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request completes or ctx ends. A ctx expiry does
// not remove the entry; the tracker's Expire or Cancel does.
func (p *Pending) Wait(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tracker maps outstanding request ids to their pending continuation.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Pending
	timeout time.Duration
	maxSize int
	closed  error
}

// New creates a tracker. Entries older than timeout are completed with
// ErrTimeout by Expire. maxSize <= 0 means unbounded.
func New(timeout time.Duration, maxSize int) *Tracker {
	return &Tracker{
		pending: make(map[string]*Pending),
		timeout: timeout,
		maxSize: maxSize,
	}
}

// Register records a pending request for id.
func (t *Tracker) Register(id, command string) (*Pending, error) {
	if id == "" {
		return nil, ErrMissingID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicateID
	}
	if t.maxSize > 0 && len(t.pending) >= t.maxSize {
		return nil, ErrMaxPending
	}

	p := &Pending{
		ID:         id,
		Command:    command,
		EnqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	t.pending[id] = p
	return p, nil
}

// IsPending reports whether e answers a request this tracker is waiting on.
func (t *Tracker) IsPending(e *envelope.Envelope) bool {
	if e == nil || e.ReplyTo == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[e.ReplyTo]
	return ok
}

// Resolve completes the request that e replies to. It returns false when
// nothing was waiting for e.
func (t *Tracker) Resolve(e *envelope.Envelope) bool {
	if e == nil || e.ReplyTo == "" {
		return false
	}
	if e.Command == envelope.CommandError {
		return t.complete(e.ReplyTo, e, &RemoteError{Message: errorMessage(e.Data)})
	}
	return t.complete(e.ReplyTo, e, nil)
}

// Cancel completes the request for id with err.
func (t *Tracker) Cancel(id string, err error) bool {
	return t.complete(id, nil, err)
}

func (t *Tracker) complete(id string, reply *envelope.Envelope, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.reply = reply
	p.err = err
	close(p.done)
	return true
}

// Expire completes every request older than the tracker timeout with
// ErrTimeout and returns how many expired.
func (t *Tracker) Expire(now time.Time) int {
	if t.timeout <= 0 {
		return 0
	}
	cutoff := now.Add(-t.timeout)

	t.mu.Lock()
	var stale []*Pending
	for id, p := range t.pending {
		if p.EnqueuedAt.Before(cutoff) {
			delete(t.pending, id)
			stale = append(stale, p)
		}
	}
	t.mu.Unlock()

	for _, p := range stale {
		p.err = ErrTimeout
		close(p.done)
	}
	return len(stale)
}

// Clear fails every pending request with err.
func (t *Tracker) Clear(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*Pending)
	t.mu.Unlock()

	for _, p := range pending {
		p.err = err
		close(p.done)
	}
}

// Close fails every pending request with err and rejects new ones.
func (t *Tracker) Close(err error) {
	if err == nil {
		err = ErrTrackerClosed
	}
	t.mu.Lock()
	t.closed = err
	t.mu.Unlock()
	t.Clear(err)
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Timeout returns the configured reply timeout.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	if len(data) > 0 {
		return string(data)
	}
	return "remote error"
}
