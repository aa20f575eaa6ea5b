// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import "errors"

// Protocol errors. All of them are connection level failures except
// ErrChunksDiscarded, which reports that a partial message was dropped and
// the connection may continue.
var (
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrEmptyFrame        = errors.New("empty frame")
	ErrChecksumMismatch  = errors.New("payload checksum mismatch")
	ErrUnknownCodec      = errors.New("unknown codec")
	ErrMissingID         = errors.New("envelope id is required")
	ErrMissingCommand    = errors.New("envelope command is required")
	ErrInvalidChunk      = errors.New("invalid chunk index or count")
	ErrTooManyChunks     = errors.New("chunk buffer ceiling exceeded")
	ErrChunksDiscarded   = errors.New("partial message discarded")
	ErrUnknownPolicy     = errors.New("unknown reassembly policy")
	ErrCorruptCompressed = errors.New("corrupt compressed payload")
)
