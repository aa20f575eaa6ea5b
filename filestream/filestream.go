// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filestream moves binary payloads over envelopes as
// beginstream, stream and endstream sequences backed by a blob store.
package filestream

import (
	"encoding/json"
	"errors"
)

const DefaultChunkSize = 64 * 1024

var (
	ErrChecksumMismatch = errors.New("file checksum mismatch")
	ErrUnknownStream    = errors.New("unknown stream")
	ErrStreamExists     = errors.New("stream already open")
	ErrTooManyStreams   = errors.New("too many open streams")
	ErrStreamTooLarge   = errors.New("stream exceeds maximum size")
	ErrSizeMismatch     = errors.New("stream size mismatch")
	ErrClosed           = errors.New("stream receiver closed")
)

// Header is the payload of a beginstream envelope and of an upload request.
type Header struct {
	Filename string            `json:"filename"`
	Size     int64             `json:"size,omitempty"`
	Checksum string            `json:"checksum,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Trailer is the payload of an endstream envelope.
type Trailer struct {
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ParseHeader decodes a header payload.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) == 0 {
		return h, nil
	}
	err := json.Unmarshal(data, &h)
	return h, err
}

// ParseTrailer decodes a trailer payload. An empty payload is a valid,
// empty trailer.
func ParseTrailer(data []byte) (Trailer, error) {
	var t Trailer
	if len(data) == 0 {
		return t, nil
	}
	err := json.Unmarshal(data, &t)
	return t, err
}
