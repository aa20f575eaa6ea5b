// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filestream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/flowgate/blob"
)

// Receiver holds the uploads in flight on one session. Each upload is
// keyed by the id of the request that opened it and is written straight
// to the blob store as chunks arrive.
type Receiver struct {
	store      blob.Store
	maxStreams int
	maxSize    int64
	logger     *slog.Logger

	mu      sync.Mutex
	uploads map[string]*upload
	closed  bool
}

type upload struct {
	header  Header
	started time.Time

	// mu guards the sink against a concurrent abort from Expire or Close.
	mu     sync.Mutex
	writer blob.Writer
	sum    hash.Hash
	size   int64
	done   bool
}

// abort discards the sink unless it was already finished.
func (u *upload) abort() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	return u.writer.Abort()
}

// NewReceiver creates a receiver. maxStreams and maxSize <= 0 are unbounded.
func NewReceiver(store blob.Store, maxStreams int, maxSize int64, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		store:      store,
		maxStreams: maxStreams,
		maxSize:    maxSize,
		logger:     logger,
		uploads:    make(map[string]*upload),
	}
}

// Begin opens a write sink for stream id.
func (r *Receiver) Begin(ctx context.Context, id string, h Header) error {
	if h.Filename == "" {
		return blob.ErrEmptyName
	}
	if r.maxSize > 0 && h.Size > r.maxSize {
		return ErrStreamTooLarge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.uploads[id]; ok {
		return ErrStreamExists
	}
	if r.maxStreams > 0 && len(r.uploads) >= r.maxStreams {
		return ErrTooManyStreams
	}

	w, err := r.store.OpenUploadStream(ctx, h.Filename, h.Metadata)
	if err != nil {
		return err
	}
	r.uploads[id] = &upload{header: h, writer: w, sum: sha256.New(), started: time.Now()}
	return nil
}

// Write appends one chunk to stream id. Any failure aborts the upload.
func (r *Receiver) Write(id string, chunk []byte) error {
	u, err := r.get(id)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return ErrUnknownStream
	}
	u.size += int64(len(chunk))
	if r.maxSize > 0 && u.size > r.maxSize {
		return r.failLocked(id, u, ErrStreamTooLarge)
	}
	u.sum.Write(chunk)
	if _, err := u.writer.Write(chunk); err != nil {
		return r.failLocked(id, u, err)
	}
	return nil
}

// End finalizes stream id. The checksum declared in the trailer, or else
// in the header, must match what was received; on mismatch the object is
// discarded and ErrChecksumMismatch is returned.
func (r *Receiver) End(ctx context.Context, id string, t Trailer) (*blob.Info, error) {
	r.mu.Lock()
	u, ok := r.uploads[id]
	delete(r.uploads, id)
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownStream
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil, ErrUnknownStream
	}
	u.done = true

	got := hex.EncodeToString(u.sum.Sum(nil))
	want := t.Checksum
	if want == "" {
		want = u.header.Checksum
	}
	if want != "" && want != got {
		r.logger.Warn("upload_checksum_mismatch",
			slog.String("stream", id),
			slog.String("filename", u.header.Filename),
			slog.String("expected", want),
			slog.String("actual", got))
		return nil, errors.Join(fmt.Errorf("%w: expected %s got %s", ErrChecksumMismatch, want, got), u.writer.Abort())
	}

	size := t.Size
	if size == 0 {
		size = u.header.Size
	}
	if size > 0 && size != u.size {
		return nil, errors.Join(fmt.Errorf("%w: expected %d got %d", ErrSizeMismatch, size, u.size), u.writer.Abort())
	}

	info, err := u.writer.Commit(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("upload_completed",
		slog.String("stream", id),
		slog.String("blob", info.ID),
		slog.Int64("size", info.Size),
		slog.Duration("elapsed", time.Since(u.started)))
	return info, nil
}

// Abort discards stream id. Unknown ids are ignored.
func (r *Receiver) Abort(id string) error {
	r.mu.Lock()
	u, ok := r.uploads[id]
	delete(r.uploads, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return u.abort()
}

// Expire aborts uploads started before the cutoff and returns how many.
func (r *Receiver) Expire(before time.Time) int {
	r.mu.Lock()
	var stale []*upload
	for id, u := range r.uploads {
		if u.started.Before(before) {
			stale = append(stale, u)
			delete(r.uploads, id)
		}
	}
	r.mu.Unlock()

	for _, u := range stale {
		if err := u.abort(); err != nil {
			r.logger.Warn("upload_abort_failed", slog.String("error", err.Error()))
		}
	}
	return len(stale)
}

// Pending returns the number of open uploads.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.uploads)
}

// Close aborts every open upload and rejects new ones.
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	uploads := r.uploads
	r.uploads = make(map[string]*upload)
	r.mu.Unlock()

	var errs []error
	for _, u := range uploads {
		if err := u.abort(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Receiver) get(id string) (*upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uploads[id]
	if !ok {
		return nil, ErrUnknownStream
	}
	return u, nil
}

// failLocked drops u after a write failure. The caller holds u.mu.
func (r *Receiver) failLocked(id string, u *upload, cause error) error {
	r.mu.Lock()
	if r.uploads[id] == u {
		delete(r.uploads, id)
	}
	r.mu.Unlock()
	u.done = true
	return errors.Join(cause, u.writer.Abort())
}
