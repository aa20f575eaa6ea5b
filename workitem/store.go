// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workitem

import (
	"context"
	"time"
)

// Claim identifies the fields a conditional update compares against.
type Claim struct {
	ID     string
	State  State
	UserID string
}

// Matches reports whether item still holds the claimed values.
func (c Claim) Matches(item *Item) bool {
	return item.ID == c.ID && item.State == c.State && item.UserID == c.UserID
}

// Store persists queues and items.
type Store interface {
	CreateQueue(ctx context.Context, q *Queue) error
	UpdateQueue(ctx context.Context, q *Queue) error
	GetQueue(ctx context.Context, id string) (*Queue, error)
	GetQueueByName(ctx context.Context, name string) (*Queue, error)
	DeleteQueue(ctx context.Context, id string) error
	ListQueues(ctx context.Context) ([]*Queue, error)

	// Insert assigns Seq and stores a new item.
	Insert(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// Replace overwrites an existing item unconditionally.
	Replace(ctx context.Context, item *Item) error
	// CompareAndSwap replaces the item only if the stored copy still
	// matches cond. It returns ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, cond Claim, item *Item) error
	Delete(ctx context.Context, id string) error
	// Due returns up to limit items of the queue that are new and due at
	// now, in claim order.
	Due(ctx context.Context, queueID string, now time.Time, limit int) ([]*Item, error)
	ListByQueue(ctx context.Context, queueID string) ([]*Item, error)
	CountByQueue(ctx context.Context, queueID string) (int, error)
}
