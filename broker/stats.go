// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker counters for the health endpoint.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	disconnections     atomic.Uint64
	rejected           atomic.Uint64

	// Envelope stats
	envelopesReceived atomic.Uint64
	bytesReceived     atomic.Uint64
	repliesResolved   atomic.Uint64
	repliesDropped    atomic.Uint64

	// Error stats
	protocolErrors atomic.Uint64
	rateLimited    atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) IncrementRejected() {
	s.rejected.Add(1)
}

func (s *Stats) IncrementEnvelopesReceived(size int) {
	s.envelopesReceived.Add(1)
	s.bytesReceived.Add(uint64(size))
}

func (s *Stats) IncrementRepliesResolved() {
	s.repliesResolved.Add(1)
}

func (s *Stats) IncrementRepliesDropped() {
	s.repliesDropped.Add(1)
}

func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) IncrementRateLimited() {
	s.rateLimited.Add(1)
}

// Snapshot is a point in time copy of the counters.
type Snapshot struct {
	Uptime             time.Duration `json:"-"`
	UptimeSeconds      int64         `json:"uptime_seconds"`
	TotalConnections   uint64        `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	Disconnections     uint64        `json:"disconnections"`
	Rejected           uint64        `json:"rejected"`
	EnvelopesReceived  uint64        `json:"envelopes_received"`
	BytesReceived      uint64        `json:"bytes_received"`
	RepliesResolved    uint64        `json:"replies_resolved"`
	RepliesDropped     uint64        `json:"replies_dropped"`
	ProtocolErrors     uint64        `json:"protocol_errors"`
	RateLimited        uint64        `json:"rate_limited"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	uptime := time.Since(s.startTime)
	return Snapshot{
		Uptime:             uptime,
		UptimeSeconds:      int64(uptime.Seconds()),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		Disconnections:     s.disconnections.Load(),
		Rejected:           s.rejected.Load(),
		EnvelopesReceived:  s.envelopesReceived.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		RepliesResolved:    s.repliesResolved.Load(),
		RepliesDropped:     s.repliesDropped.Load(),
		ProtocolErrors:     s.protocolErrors.Load(),
		RateLimited:        s.rateLimited.Load(),
	}
}
