// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/absmach/flowgate/envelope"
	"github.com/google/uuid"
)

// DefaultQueueSize is the outbound queue length per connection.
const DefaultQueueSize = 256

// Base implements the adapter independent parts of Conn: identity, the
// bounded outbound queue and close bookkeeping. Adapters embed it and
// drain Outbound from their writer.
type Base struct {
	id        string
	remote    string
	transport string

	out     chan *envelope.Envelope
	done    chan struct{}
	once    sync.Once
	onClose func() error

	mu  sync.Mutex
	err error
}

// NewBase creates the shared connection state. onClose releases the
// underlying resource and runs once.
func NewBase(transport, remote string, queueSize int, onClose func() error) *Base {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Base{
		id:        uuid.NewString(),
		remote:    remote,
		transport: transport,
		out:       make(chan *envelope.Envelope, queueSize),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
}

func (b *Base) ID() string {
	return b.id
}

func (b *Base) RemoteAddr() string {
	return b.remote
}

func (b *Base) Transport() string {
	return b.transport
}

func (b *Base) Send(ctx context.Context, e *envelope.Envelope) error {
	select {
	case <-b.done:
		return ErrConnClosed
	default:
	}

	select {
	case b.out <- e:
		return nil
	case <-b.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound is drained by the adapter's writer.
func (b *Base) Outbound() <-chan *envelope.Envelope {
	return b.out
}

func (b *Base) Done() <-chan struct{} {
	return b.done
}

func (b *Base) Close() error {
	return b.CloseWithError(nil)
}

func (b *Base) CloseWithError(err error) error {
	var closeErr error
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
		if b.onClose != nil {
			closeErr = b.onClose()
		}
	})
	return closeErr
}

// Err returns the error the connection was closed with.
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
