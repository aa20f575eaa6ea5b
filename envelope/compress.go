// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"fmt"
	"io"

	"github.com/absmach/flowgate/internal/bufpool"
	"github.com/klauspost/compress/zlib"
)

// Compress deflates data in zlib format.
func Compress(data []byte) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	w := zlib.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decompress inflates zlib data. Output longer than limit bytes fails
// with ErrFrameTooLarge; limit <= 0 means DefaultMaxFrameSize.
func Decompress(data []byte, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCompressed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCompressed, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrFrameTooLarge, limit)
	}
	return out, nil
}

// CompressPayload compresses the payload of e in place when it is at
// least threshold bytes long. A threshold <= 0 disables compression.
func CompressPayload(e *Envelope, threshold int) error {
	if threshold <= 0 || e.Compressed || len(e.Data) < threshold {
		return nil
	}
	data, err := Compress(e.Data)
	if err != nil {
		return err
	}
	e.Data = data
	e.Compressed = true
	return nil
}

// DecompressPayload restores a compressed payload in place, bounded by
// limit as in Decompress.
func DecompressPayload(e *Envelope, limit int) error {
	if !e.Compressed {
		return nil
	}
	data, err := Decompress(e.Data, limit)
	if err != nil {
		return err
	}
	e.Data = data
	e.Compressed = false
	return nil
}
