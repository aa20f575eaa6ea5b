// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSessionConnected    = "session.connected"
	TypeSessionSignedIn     = "session.signedin"
	TypeSessionDisconnected = "session.disconnected"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "session.connected").
	Type() string

	// Subject returns the name endpoint subject filters are matched
	// against: the username for sign-ins, the transport otherwise.
	Subject() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(nodeID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, nodeID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      e,
	}
}

// SessionConnected is emitted when a transport hands over a new connection.
type SessionConnected struct {
	SessionID  string `json:"session_id"`
	ClientID   string `json:"client_id"`
	Transport  string `json:"transport"`
	RemoteAddr string `json:"remote_addr"`
}

func (e SessionConnected) Type() string                 { return TypeSessionConnected }
func (e SessionConnected) Subject() string              { return e.Transport }
func (e SessionConnected) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SessionSignedIn is emitted when a session binds an identity.
type SessionSignedIn struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	ClientAgent   string `json:"client_agent,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

func (e SessionSignedIn) Type() string                 { return TypeSessionSignedIn }
func (e SessionSignedIn) Subject() string              { return e.Username }
func (e SessionSignedIn) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SessionDisconnected is emitted when a connection ends.
type SessionDisconnected struct {
	SessionID  string `json:"session_id"`
	ClientID   string `json:"client_id"`
	Transport  string `json:"transport"`
	Username   string `json:"username,omitempty"`
	Reason     string `json:"reason"` // "normal" or the close cause
	RemoteAddr string `json:"remote_addr"`
}

func (e SessionDisconnected) Type() string                 { return TypeSessionDisconnected }
func (e SessionDisconnected) Subject() string              { return e.Transport }
func (e SessionDisconnected) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }
