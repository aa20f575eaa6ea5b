// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package blob defines the binary object storage used for workitem
// attachments and streamed uploads.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

var (
	ErrNotFound     = errors.New("blob not found")
	ErrWriterClosed = errors.New("blob writer already committed or aborted")
	ErrEmptyName    = errors.New("blob name is required")
	ErrStoreClosed  = errors.New("blob store closed")
)

// Metadata keys set by the workitem engine on attachments.
const (
	MetaWorkitem   = "wi"
	MetaQueue      = "wiq"
	MetaQueueID    = "wiqid"
	MetaPath       = "path"
	MetaUploadedBy = "uploadedby"
)

// Info describes a committed object.
type Info struct {
	ID       string            `json:"_id"`
	Name     string            `json:"name"`
	Filename string            `json:"filename"`
	Size     int64             `json:"size"`
	Checksum string            `json:"checksum,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Created  time.Time         `json:"created"`
}

// Writer receives the bytes of an upload. Nothing is visible to readers
// until Commit returns successfully. Abort discards everything written.
type Writer interface {
	io.Writer
	ID() string
	Commit(ctx context.Context) (*Info, error)
	Abort() error
}

// Store is the binary object storage collaborator.
type Store interface {
	OpenUploadStream(ctx context.Context, filename string, metadata map[string]string) (Writer, error)
	OpenDownloadStream(ctx context.Context, id string) (io.ReadCloser, *Info, error)
	Stat(ctx context.Context, id string) (*Info, error)
	Delete(ctx context.Context, id string) error
}

// Put stores data under filename in one call.
func Put(ctx context.Context, s Store, filename string, metadata map[string]string, data []byte) (*Info, error) {
	w, err := s.OpenUploadStream(ctx, filename, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Join(err, w.Abort())
	}
	return w.Commit(ctx)
}

// Get reads a whole object into memory.
func Get(ctx context.Context, s Store, id string) ([]byte, *Info, error) {
	r, info, err := s.OpenDownloadStream(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}

// Copy duplicates an object with new metadata and returns the new object.
func Copy(ctx context.Context, s Store, id string, metadata map[string]string) (*Info, error) {
	r, info, err := s.OpenDownloadStream(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	w, err := s.OpenUploadStream(ctx, info.Filename, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, r); err != nil {
		return nil, errors.Join(err, w.Abort())
	}
	return w.Commit(ctx)
}

// BaseName returns the last element of a slash separated filename.
func BaseName(filename string) string {
	if filename == "" {
		return ""
	}
	return path.Base(filename)
}

// Dir returns the directory part of filename, or "" when there is none.
func Dir(filename string) string {
	d := path.Dir(filename)
	if d == "." || d == "/" {
		return ""
	}
	return d
}
