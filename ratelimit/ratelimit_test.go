// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	// 5 requests per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := "192.168.1.1:1234"

	if !limiter.Allow(addr) {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("192.168.1.1:4321") {
		t.Error("Second request (within burst, other port) should be allowed")
	}
	if limiter.Allow(addr) {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow(addr) {
		t.Error("Request after token refill should be allowed")
	}
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow("192.168.1.1:1234") {
		t.Error("First request from IP1 should be allowed")
	}
	if !limiter.Allow("192.168.1.2:1234") {
		t.Error("First request from IP2 should be allowed")
	}
	if limiter.Allow("192.168.1.1:1234") {
		t.Error("Second request from IP1 should be rate limited")
	}
}

func TestIPRateLimiter_EmptyAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		if !limiter.Allow("") {
			t.Error("Empty address should be allowed")
		}
	}
	limiter.Stop()
}

func TestSessionRateLimiter(t *testing.T) {
	// 1 envelope per second with burst 2; disconnect once 4 were sent.
	limiter := NewSessionRateLimiter(1, 2, 0.001, 4)

	want := []error{nil, nil, ErrRateLimited, ErrRateLimited, ErrAbuse}
	for i, w := range want {
		if err := limiter.Allow("s1"); !errors.Is(err, w) {
			t.Errorf("envelope %d: got %v, want %v", i, err, w)
		}
	}

	if err := limiter.Allow("s2"); err != nil {
		t.Errorf("other session should be allowed, got %v", err)
	}

	limiter.Remove("s1")
	if err := limiter.Allow("s1"); err != nil {
		t.Errorf("fresh limiter after removal should allow, got %v", err)
	}
	if limiter.Len() != 2 {
		t.Errorf("Len() = %d, want 2", limiter.Len())
	}
}

func TestSessionRateLimiter_NoDisconnect(t *testing.T) {
	limiter := NewSessionRateLimiter(1, 1, 0, 0)

	limiter.Allow("s1")
	for i := 0; i < 20; i++ {
		if err := limiter.Allow("s1"); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("envelope %d: got %v, want %v", i, err, ErrRateLimited)
		}
	}
}

func TestManager_Disabled(t *testing.T) {
	manager := NewManager(Config{Enabled: false})

	if !manager.AllowConnection("192.168.1.1:1234") {
		t.Error("AllowConnection should return true when disabled")
	}
	for i := 0; i < 100; i++ {
		if err := manager.AllowMessage("s1"); err != nil {
			t.Errorf("AllowMessage should pass when disabled, got %v", err)
		}
	}
}

func TestManager_Enabled(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    1,
			Burst:   1,
		},
	}
	manager := NewManager(cfg)
	defer manager.Stop()

	addr := "192.168.1.1:1234"
	if !manager.AllowConnection(addr) {
		t.Error("First connection should be allowed")
	}
	if err := manager.AllowMessage("s1"); err != nil {
		t.Errorf("First message should be allowed, got %v", err)
	}

	if manager.AllowConnection(addr) {
		t.Error("Second connection should be rate limited")
	}
	if err := manager.AllowMessage("s1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Second message should be rate limited, got %v", err)
	}

	manager.OnDisconnect("s1")
	if err := manager.AllowMessage("s1"); err != nil {
		t.Errorf("Message after disconnect cleanup should be allowed, got %v", err)
	}
}

func TestManager_SelectiveEnable(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
	}
	manager := NewManager(cfg)
	defer manager.Stop()

	if !manager.AllowConnection("10.0.0.1:1") {
		t.Error("First connection should be allowed")
	}
	if manager.AllowConnection("10.0.0.1:2") {
		t.Error("Second connection should be rate limited")
	}
	for i := 0; i < 10; i++ {
		if err := manager.AllowMessage("s1"); err != nil {
			t.Errorf("Message %d should be allowed (rate limiting disabled)", i)
		}
	}
}

func TestNilManager(t *testing.T) {
	var manager *Manager
	if !manager.AllowConnection("10.0.0.1:1") {
		t.Error("nil manager should allow connections")
	}
	if err := manager.AllowMessage("s1"); err != nil {
		t.Errorf("nil manager should allow messages, got %v", err)
	}
	manager.OnDisconnect("s1")
	manager.Stop()
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{name: "IPv4", addr: "192.168.1.1:1234", expected: "192.168.1.1"},
		{name: "IPv6", addr: "[::1]:5678", expected: "::1"},
		{name: "NoPort", addr: "pipe", expected: "pipe"},
		{name: "Empty", addr: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := extractIP(tt.addr); result != tt.expected {
				t.Errorf("extractIP(%q) = %q, want %q", tt.addr, result, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("Default config should have Enabled=true")
	}
	if !cfg.Connection.Enabled {
		t.Error("Connection rate limiting should be enabled by default")
	}
	if cfg.Message.Rate != 30 || cfg.Message.DisconnectRate != 100 {
		t.Errorf("unexpected message defaults %+v", cfg.Message)
	}
}
