// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the transport independent wire unit: the
// envelope, its codecs, length-prefixed framing, payload checksums,
// chunk splitting and chunk reassembly.
package envelope

import (
	"strings"

	"github.com/google/uuid"
)

// Well known commands used below the dispatcher.
const (
	CommandPing        = "ping"
	CommandPong        = "pong"
	CommandError       = "error"
	CommandBeginStream = "beginstream"
	CommandStream      = "stream"
	CommandEndStream   = "endstream"

	replySuffix = "reply"
)

// Envelope is one wire frame. Envelopes sharing an ID with Count > 1 are
// chunks of a single logical message.
type Envelope struct {
	ID         string `json:"id" msgpack:"id"`
	ReplyTo    string `json:"rid,omitempty" msgpack:"rid,omitempty"`
	Command    string `json:"command" msgpack:"command"`
	Seq        int64  `json:"seq" msgpack:"seq"`
	Hash       string `json:"hash,omitempty" msgpack:"hash,omitempty"`
	Index      int    `json:"index,omitempty" msgpack:"index,omitempty"`
	Count      int    `json:"count,omitempty" msgpack:"count,omitempty"`
	Compressed bool   `json:"compressed,omitempty" msgpack:"compressed,omitempty"`
	Data       []byte `json:"data,omitempty" msgpack:"data,omitempty"`
}

// New creates an envelope with a fresh ID.
func New(command string, data []byte) *Envelope {
	return &Envelope{
		ID:      uuid.NewString(),
		Command: command,
		Data:    data,
	}
}

// Reply creates the reply to e carrying data. The reply command is the
// request command with a "reply" suffix.
func (e *Envelope) Reply(data []byte) *Envelope {
	return &Envelope{
		ID:      uuid.NewString(),
		ReplyTo: e.ID,
		Command: ReplyCommand(e.Command),
		Data:    data,
	}
}

// ErrorReply creates an error reply to e.
func (e *Envelope) ErrorReply(data []byte) *Envelope {
	return &Envelope{
		ID:      uuid.NewString(),
		ReplyTo: e.ID,
		Command: CommandError,
		Data:    data,
	}
}

// IsReply reports whether e answers an earlier request.
func (e *Envelope) IsReply() bool {
	return e.ReplyTo != ""
}

// IsStream reports whether e belongs to a binary stream transfer.
func (e *Envelope) IsStream() bool {
	switch e.Command {
	case CommandBeginStream, CommandStream, CommandEndStream:
		return true
	}
	return false
}

// Chunks returns the declared chunk count, treating zero as one.
func (e *Envelope) Chunks() int {
	if e.Count < 1 {
		return 1
	}
	return e.Count
}

// Clone returns a shallow copy of e sharing the payload slice.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}

// ReplyCommand returns the reply command name for command.
func ReplyCommand(command string) string {
	if strings.HasSuffix(command, replySuffix) {
		return command
	}
	return command + replySuffix
}
