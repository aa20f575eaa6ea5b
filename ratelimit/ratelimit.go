// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits connection attempts per source address and
// envelopes per session.
package ratelimit

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrConnectionLimited = errors.New("connection rate limit exceeded")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrAbuse             = errors.New("rate limit exceeded, disconnecting")
)

// IPRateLimiter manages rate limiting for source addresses (connection layer).
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// rate is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a connection from the given remote address is allowed.
func (l *IPRateLimiter) Allow(remote string) bool {
	ip := extractIP(remote)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// SessionRateLimiter limits inbound envelopes per session with two
// buckets: exhausting the first rejects envelopes, exhausting the second
// as well disconnects the session.
type SessionRateLimiter struct {
	mu              sync.Mutex
	sessions        map[string]*sessionEntry
	rate            rate.Limit
	burst           int
	disconnectRate  rate.Limit
	disconnectBurst int
}

type sessionEntry struct {
	limiter    *rate.Limiter
	disconnect *rate.Limiter
}

// NewSessionRateLimiter creates a per-session limiter. A disconnect rate
// of zero never disconnects.
func NewSessionRateLimiter(r float64, burst int, disconnectRate float64, disconnectBurst int) *SessionRateLimiter {
	return &SessionRateLimiter{
		sessions:        make(map[string]*sessionEntry),
		rate:            rate.Limit(r),
		burst:           burst,
		disconnectRate:  rate.Limit(disconnectRate),
		disconnectBurst: disconnectBurst,
	}
}

// Allow consumes one token for session id. It returns nil, ErrRateLimited
// or ErrAbuse.
func (l *SessionRateLimiter) Allow(id string) error {
	l.mu.Lock()
	entry, exists := l.sessions[id]
	if !exists {
		entry = &sessionEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		if l.disconnectRate > 0 {
			entry.disconnect = rate.NewLimiter(l.disconnectRate, l.disconnectBurst)
		}
		l.sessions[id] = entry
	}
	l.mu.Unlock()

	// Every envelope counts against the disconnect bucket, allowed or not.
	abusive := entry.disconnect != nil && !entry.disconnect.Allow()
	if entry.limiter.Allow() {
		return nil
	}
	if abusive {
		return ErrAbuse
	}
	return ErrRateLimited
}

// Remove drops the limiter of a disconnected session.
func (l *SessionRateLimiter) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
}

// Len returns the number of tracked sessions.
func (l *SessionRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// extractIP returns the host part of a host:port remote address.
func extractIP(remote string) string {
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// MessageConfig holds per-session envelope rate limiting settings.
type MessageConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Rate            float64 `yaml:"rate"`  // envelopes per second per session
	Burst           int     `yaml:"burst"` // burst allowance
	DisconnectRate  float64 `yaml:"disconnect_rate"`
	DisconnectBurst int     `yaml:"disconnect_burst"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled:         true,
			Rate:            30,
			Burst:           30,
			DisconnectRate:  100,
			DisconnectBurst: 100,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	session  *SessionRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Message.Enabled {
		m.session = NewSessionRateLimiter(cfg.Message.Rate, cfg.Message.Burst, cfg.Message.DisconnectRate, cfg.Message.DisconnectBurst)
	}
	return m
}

// AllowConnection checks if a new connection from remote is allowed.
func (m *Manager) AllowConnection(remote string) bool {
	if m == nil || m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(remote)
}

// AllowMessage consumes one envelope token for session id.
func (m *Manager) AllowMessage(id string) error {
	if m == nil || m.disabled || m.session == nil {
		return nil
	}
	return m.session.Allow(id)
}

// OnDisconnect cleans up the limiter of a disconnected session.
func (m *Manager) OnDisconnect(id string) {
	if m == nil || m.disabled || m.session == nil {
		return
	}
	m.session.Remove(id)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
