// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultBlocklistPrefix is the Redis key prefix for revoked token ids.
const DefaultBlocklistPrefix = "flowgate:auth:block:"

var errBlocklistNotConfigured = errors.New("blocklist not configured")

// RedisBlocklist stores revoked token ids with a TTL.
type RedisBlocklist struct {
	client redis.Cmdable
	prefix string
}

var _ Blocklist = (*RedisBlocklist)(nil)

// NewRedisBlocklist returns nil when client is nil.
func NewRedisBlocklist(client redis.Cmdable, prefix string) *RedisBlocklist {
	if client == nil {
		return nil
	}
	if prefix == "" {
		prefix = DefaultBlocklistPrefix
	}
	return &RedisBlocklist{client: client, prefix: prefix}
}

func (b *RedisBlocklist) Block(ctx context.Context, jti string, ttl time.Duration) error {
	if b == nil || jti == "" {
		return errBlocklistNotConfigured
	}
	return b.client.Set(ctx, b.prefix+jti, "1", ttl).Err()
}

func (b *RedisBlocklist) IsBlocked(ctx context.Context, jti string) (bool, error) {
	if b == nil || jti == "" {
		return false, nil
	}
	n, err := b.client.Exists(ctx, b.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryBlocklist is used when no Redis address is configured.
type MemoryBlocklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ Blocklist = (*MemoryBlocklist)(nil)

func NewMemoryBlocklist() *MemoryBlocklist {
	return &MemoryBlocklist{entries: make(map[string]time.Time), now: time.Now}
}

func (b *MemoryBlocklist) Block(_ context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return errBlocklistNotConfigured
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[jti] = b.now().Add(ttl)
	return nil
}

func (b *MemoryBlocklist) IsBlocked(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.entries[jti]
	if !ok {
		return false, nil
	}
	if b.now().After(until) {
		delete(b.entries, jti)
		return false, nil
	}
	return true, nil
}
