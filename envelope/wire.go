// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
)

// LengthPrefixSize is the size of the little-endian frame length prefix
// used on byte stream transports.
const LengthPrefixSize = 4

// DefaultMaxFrameSize bounds a single serialized envelope.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Wire couples a codec with frame limits and checksum handling. The zero
// value uses JSON, the default frame limit and no checksums.
type Wire struct {
	Codec        Codec
	MaxFrameSize int
	// Checksum stamps outgoing payloads and verifies incoming ones.
	Checksum bool
}

func (w Wire) codec() Codec {
	if w.Codec == nil {
		return JSONCodec{}
	}
	return w.Codec
}

func (w Wire) maxFrame() int {
	if w.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return w.MaxFrameSize
}

// Encode serializes e without a length prefix, for message oriented
// transports.
func (w Wire) Encode(e *Envelope) ([]byte, error) {
	if w.Checksum && e.Hash == "" {
		e.Sign()
	}
	data, err := w.codec().Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(data) > w.maxFrame() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return data, nil
}

// Decode parses one serialized envelope and validates it.
func (w Wire) Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(data) > w.maxFrame() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	e := &Envelope{}
	if err := w.codec().Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.ID == "" {
		return nil, ErrMissingID
	}
	if e.Command == "" {
		return nil, ErrMissingCommand
	}
	if w.Checksum {
		if err := e.Verify(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// EncodeFrame serializes e with the 4-byte little-endian length prefix.
func (w Wire) EncodeFrame(e *Envelope) ([]byte, error) {
	body, err := w.Encode(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// WriteFrame writes one length-prefixed envelope to dst.
func (w Wire) WriteFrame(dst io.Writer, e *Envelope) error {
	frame, err := w.EncodeFrame(e)
	if err != nil {
		return err
	}
	_, err = dst.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed envelope from src. A frame larger
// than the limit is rejected before its body is read.
func (w Wire) ReadFrame(src io.Reader) (*Envelope, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(src, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if int64(size) > int64(w.maxFrame()) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(src, body); err != nil {
		return nil, err
	}
	return w.Decode(body)
}
