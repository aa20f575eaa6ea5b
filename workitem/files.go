// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workitem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/blob"
	"github.com/klauspost/compress/zlib"
)

// ErrNoBlobStore is returned for attachments when no blob store is set.
var ErrNoBlobStore = errors.New("workitem attachments need a blob store")

// maxInflated caps the size of a decompressed attachment.
const maxInflated = 256 << 20

func (e *Engine) attach(ctx context.Context, id *auth.Identity, q *Queue, item *Item, a Attachment) (File, error) {
	if e.blobs == nil {
		return File{}, ErrNoBlobStore
	}
	if a.Filename == "" {
		return File{}, blob.ErrEmptyName
	}
	data := a.File
	if a.Compressed {
		var err error
		if data, err = inflate(data); err != nil {
			return File{}, fmt.Errorf("inflate %s: %w", a.Filename, err)
		}
	}

	info, err := blob.Put(ctx, e.blobs, a.Filename, e.metadata(id, q, item, a.Filename), data)
	if err != nil {
		return File{}, err
	}
	return File{ID: info.ID, Name: a.Filename, Filename: blob.BaseName(a.Filename)}, nil
}

func (e *Engine) metadata(id *auth.Identity, q *Queue, item *Item, filename string) map[string]string {
	return map[string]string{
		blob.MetaWorkitem:   item.ID,
		blob.MetaQueue:      q.Name,
		blob.MetaQueueID:    q.ID,
		blob.MetaPath:       blob.Dir(filename),
		blob.MetaUploadedBy: userName(id),
	}
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflated {
		return nil, fmt.Errorf("attachment exceeds %d bytes when inflated", maxInflated)
	}
	return out, nil
}

// replaceFile drops the attachment named name and deletes its blob.
func (e *Engine) replaceFile(ctx context.Context, files []File, name string) []File {
	kept := files[:0]
	for _, f := range files {
		if f.Name != name {
			kept = append(kept, f)
			continue
		}
		e.deleteBlob(ctx, f.ID)
	}
	return kept
}

func (e *Engine) copyFile(ctx context.Context, f File, dst *Item, q *Queue) (File, error) {
	if e.blobs == nil {
		return File{}, ErrNoBlobStore
	}
	meta := map[string]string{
		blob.MetaWorkitem: dst.ID,
		blob.MetaQueue:    q.Name,
		blob.MetaQueueID:  q.ID,
		blob.MetaPath:     blob.Dir(f.Name),
	}
	info, err := blob.Copy(ctx, e.blobs, f.ID, meta)
	if err != nil {
		return File{}, err
	}
	return File{ID: info.ID, Name: f.Name, Filename: f.Filename}, nil
}

func (e *Engine) deleteFiles(ctx context.Context, item *Item) {
	for _, f := range item.Files {
		e.deleteBlob(ctx, f.ID)
	}
}

func (e *Engine) deleteBlob(ctx context.Context, id string) {
	if e.blobs == nil || id == "" {
		return
	}
	if err := e.blobs.Delete(ctx, id); err != nil && !errors.Is(err, blob.ErrNotFound) {
		e.logger.Warn("workitem_attachment_delete_failed",
			slog.String("file", id),
			slog.String("error", err.Error()))
	}
}
