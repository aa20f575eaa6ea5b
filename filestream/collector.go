// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filestream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/absmach/flowgate/envelope"
)

// Collector is the receiving end of Send for a peer that writes the
// stream to an io.Writer instead of a blob store.
type Collector struct {
	w      io.Writer
	sum    hash.Hash
	header Header
	size   int64
	begun  bool
	done   bool
}

// NewCollector writes received chunks to w.
func NewCollector(w io.Writer) *Collector {
	return &Collector{w: w, sum: sha256.New()}
}

// Header returns the header received with beginstream.
func (c *Collector) Header() Header {
	return c.header
}

// Size returns the number of bytes written so far.
func (c *Collector) Size() int64 {
	return c.size
}

// Handle consumes one stream envelope and reports whether the stream is
// complete. The checksum is verified on endstream.
func (c *Collector) Handle(e *envelope.Envelope) (bool, error) {
	if c.done {
		return true, nil
	}
	switch e.Command {
	case envelope.CommandBeginStream:
		h, err := ParseHeader(e.Data)
		if err != nil {
			return false, err
		}
		c.header = h
		c.begun = true
		return false, nil
	case envelope.CommandStream:
		if !c.begun {
			return false, ErrUnknownStream
		}
		c.sum.Write(e.Data)
		c.size += int64(len(e.Data))
		_, err := c.w.Write(e.Data)
		return false, err
	case envelope.CommandEndStream:
		if !c.begun {
			return false, ErrUnknownStream
		}
		c.done = true
		t, err := ParseTrailer(e.Data)
		if err != nil {
			return true, err
		}
		want := t.Checksum
		if want == "" {
			want = c.header.Checksum
		}
		if got := hex.EncodeToString(c.sum.Sum(nil)); want != "" && want != got {
			return true, fmt.Errorf("%w: expected %s got %s", ErrChecksumMismatch, want, got)
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: unexpected command %q", ErrUnknownStream, e.Command)
	}
}
