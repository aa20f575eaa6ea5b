// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"maps"
	"time"

	"github.com/absmach/flowgate/blob"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	blobMetaPrefix  = "blob:meta:"
	blobChunkPrefix = "blob:chunk:"

	defaultBlobChunkSize = 256 * 1024
)

var _ blob.Store = (*BlobStore)(nil)

// BlobStore stores objects as fixed-size chunks plus a metadata record.
// Chunks without a metadata record are invisible to readers.
type BlobStore struct {
	db        *badger.DB
	chunkSize int
}

// NewBlobStore creates a blob store on db.
func NewBlobStore(db *badger.DB, chunkSize int) *BlobStore {
	if chunkSize <= 0 {
		chunkSize = defaultBlobChunkSize
	}
	return &BlobStore{db: db, chunkSize: chunkSize}
}

func (s *BlobStore) OpenUploadStream(_ context.Context, filename string, metadata map[string]string) (blob.Writer, error) {
	if filename == "" {
		return nil, blob.ErrEmptyName
	}
	return &blobWriter{
		store:    s,
		id:       uuid.NewString(),
		filename: filename,
		metadata: maps.Clone(metadata),
		sum:      sha256.New(),
		buf:      make([]byte, 0, s.chunkSize),
	}, nil
}

func (s *BlobStore) OpenDownloadStream(ctx context.Context, id string) (io.ReadCloser, *blob.Info, error) {
	info, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &blobReader{store: s, id: id}, info, nil
}

func (s *BlobStore) Stat(_ context.Context, id string) (*blob.Info, error) {
	var info blob.Info
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobMetaPrefix + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return blob.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BlobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Stat(ctx, id); err != nil {
		return err
	}
	return s.deleteKeys(id, true)
}

func (s *BlobStore) deleteKeys(id string, withMeta bool) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blobChunkPrefix + id + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if withMeta {
		keys = append(keys, []byte(blobMetaPrefix+id))
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func chunkKey(id string, n int) []byte {
	return fmt.Appendf(nil, "%s%s:%010d", blobChunkPrefix, id, n)
}

type blobWriter struct {
	store    *BlobStore
	id       string
	filename string
	metadata map[string]string
	sum      hash.Hash
	buf      []byte
	chunks   int
	size     int64
	done     bool
}

func (w *blobWriter) ID() string {
	return w.id
}

func (w *blobWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, blob.ErrWriterClosed
	}
	n := len(p)
	w.sum.Write(p)
	w.size += int64(n)

	for len(p) > 0 {
		room := w.store.chunkSize - len(w.buf)
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
		if len(w.buf) == w.store.chunkSize {
			if err := w.flush(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (w *blobWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	key := chunkKey(w.id, w.chunks)
	data := append([]byte(nil), w.buf...)
	if err := w.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return err
	}
	w.chunks++
	w.buf = w.buf[:0]
	return nil
}

func (w *blobWriter) Commit(_ context.Context) (*blob.Info, error) {
	if w.done {
		return nil, blob.ErrWriterClosed
	}
	w.done = true

	if err := w.flush(); err != nil {
		return nil, errors.Join(err, w.store.deleteKeys(w.id, false))
	}

	info := blob.Info{
		ID:       w.id,
		Name:     blob.BaseName(w.filename),
		Filename: w.filename,
		Size:     w.size,
		Checksum: hex.EncodeToString(w.sum.Sum(nil)),
		Metadata: w.metadata,
		Created:  time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := w.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blobMetaPrefix+w.id), data)
	}); err != nil {
		return nil, errors.Join(err, w.store.deleteKeys(w.id, false))
	}
	return &info, nil
}

func (w *blobWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.buf = nil
	if w.chunks == 0 {
		return nil
	}
	return w.store.deleteKeys(w.id, false)
}

// blobReader loads one chunk at a time.
type blobReader struct {
	store *BlobStore
	id    string
	next  int
	cur   []byte
	eof   bool
}

func (r *blobReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.load(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *blobReader) load() error {
	return r.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(r.id, r.next))
		if errors.Is(err, badger.ErrKeyNotFound) {
			r.eof = true
			return nil
		}
		if err != nil {
			return err
		}
		r.cur, err = item.ValueCopy(nil)
		r.next++
		return err
	})
}

func (r *blobReader) Close() error {
	r.cur = nil
	r.eof = true
	return nil
}
