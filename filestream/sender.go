// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filestream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/envelope"
)

// SendFunc delivers one envelope to the peer. It blocks while the
// transport applies backpressure.
type SendFunc func(ctx context.Context, e *envelope.Envelope) error

// Send streams r to the peer as a reply to requestID: one beginstream
// carrying h, one stream envelope per chunk of at most chunkSize bytes,
// then an endstream carrying the checksum of what was sent. Only one
// chunk is held in memory at a time.
func Send(ctx context.Context, send SendFunc, requestID string, h Header, r io.Reader, chunkSize int) (Trailer, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	begin, err := json.Marshal(h)
	if err != nil {
		return Trailer{}, err
	}
	if err := send(ctx, streamEnvelope(envelope.CommandBeginStream, requestID, begin)); err != nil {
		return Trailer{}, err
	}

	sum := sha256.New()
	var size int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			sum.Write(chunk)
			size += int64(n)
			if err := send(ctx, streamEnvelope(envelope.CommandStream, requestID, chunk)); err != nil {
				return Trailer{}, err
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return Trailer{}, rerr
		}
	}

	t := Trailer{Checksum: hex.EncodeToString(sum.Sum(nil)), Size: size}
	end, err := json.Marshal(t)
	if err != nil {
		return Trailer{}, err
	}
	if err := send(ctx, streamEnvelope(envelope.CommandEndStream, requestID, end)); err != nil {
		return Trailer{}, err
	}
	return t, nil
}

// SendBlob streams a stored object to the peer.
func SendBlob(ctx context.Context, send SendFunc, requestID string, store blob.Store, id string, chunkSize int) (*blob.Info, error) {
	r, info, err := store.OpenDownloadStream(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h := Header{Filename: info.Filename, Size: info.Size, Checksum: info.Checksum, Metadata: info.Metadata}
	if _, err := Send(ctx, send, requestID, h, r, chunkSize); err != nil {
		return nil, err
	}
	return info, nil
}

func streamEnvelope(command, requestID string, data []byte) *envelope.Envelope {
	e := envelope.New(command, data)
	e.ReplyTo = requestID
	return e
}
