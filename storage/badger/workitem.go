// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/flowgate/workitem"
	"github.com/dgraph-io/badger/v4"
)

const (
	wiQueuePrefix  = "wi:queue:"
	wiNamePrefix   = "wi:qname:"
	wiItemPrefix   = "wi:item:"
	wiMemberPrefix = "wi:member:"
	wiDuePrefix    = "wi:due:"
	wiSeqKey       = "wi:seq"

	seqBandwidth = 128
	// Shifts signed priorities into the unsigned key space so they sort.
	priorityOffset = 1 << 31
)

var _ workitem.Store = (*WorkitemStore)(nil)

// WorkitemStore implements workitem.Store on BadgerDB.
//
// Items in state new are indexed under
// wi:due:<queue>:<priority>:<nextrun>:<seq>:<id> so a prefix scan yields
// them in claim order.
type WorkitemStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewWorkitemStore creates a workitem store on db.
func NewWorkitemStore(db *badger.DB) (*WorkitemStore, error) {
	seq, err := db.GetSequence([]byte(wiSeqKey), seqBandwidth)
	if err != nil {
		return nil, err
	}
	return &WorkitemStore{db: db, seq: seq}, nil
}

// Close releases the sequence lease.
func (s *WorkitemStore) Close() error {
	return s.seq.Release()
}

func (s *WorkitemStore) CreateQueue(_ context.Context, q *workitem.Queue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}

	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(wiNamePrefix + q.Name)); err == nil {
			return workitem.ErrQueueExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get([]byte(wiQueuePrefix + q.ID)); err == nil {
			return workitem.ErrQueueExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set([]byte(wiQueuePrefix+q.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(wiNamePrefix+q.Name), []byte(q.ID))
	})
}

func (s *WorkitemStore) UpdateQueue(_ context.Context, q *workitem.Queue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}

	return s.update(func(txn *badger.Txn) error {
		old, err := getQueue(txn, q.ID)
		if err != nil {
			return err
		}
		if old.Name != q.Name {
			if _, err := txn.Get([]byte(wiNamePrefix + q.Name)); err == nil {
				return workitem.ErrQueueExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete([]byte(wiNamePrefix + old.Name)); err != nil {
				return err
			}
			if err := txn.Set([]byte(wiNamePrefix+q.Name), []byte(q.ID)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(wiQueuePrefix+q.ID), data)
	})
}

func (s *WorkitemStore) GetQueue(_ context.Context, id string) (*workitem.Queue, error) {
	var q *workitem.Queue
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		q, err = getQueue(txn, id)
		return err
	})
	return q, err
}

func (s *WorkitemStore) GetQueueByName(_ context.Context, name string) (*workitem.Queue, error) {
	var q *workitem.Queue
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(wiNamePrefix + name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return workitem.ErrQueueNotFound
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		q, err = getQueue(txn, string(id))
		return err
	})
	return q, err
}

func (s *WorkitemStore) DeleteQueue(_ context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		q, err := getQueue(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(wiNamePrefix + q.Name)); err != nil {
			return err
		}
		return txn.Delete([]byte(wiQueuePrefix + id))
	})
}

func (s *WorkitemStore) ListQueues(_ context.Context) ([]*workitem.Queue, error) {
	queues := make([]*workitem.Queue, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(wiNamePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			q, err := getQueue(txn, string(id))
			if err != nil {
				return err
			}
			queues = append(queues, q)
		}
		return nil
	})

	return queues, err
}

func (s *WorkitemStore) Insert(_ context.Context, item *workitem.Item) error {
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	item.Seq = n + 1

	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(wiItemPrefix + item.ID)); err == nil {
			return workitem.ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putItem(txn, nil, item)
	})
}

func (s *WorkitemStore) Get(_ context.Context, id string) (*workitem.Item, error) {
	var item *workitem.Item
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		item, err = getItem(txn, id)
		return err
	})
	return item, err
}

func (s *WorkitemStore) Replace(_ context.Context, item *workitem.Item) error {
	return s.update(func(txn *badger.Txn) error {
		cur, err := getItem(txn, item.ID)
		if err != nil {
			return err
		}
		item.Seq = cur.Seq
		return putItem(txn, cur, item)
	})
}

func (s *WorkitemStore) CompareAndSwap(_ context.Context, cond workitem.Claim, item *workitem.Item) error {
	return s.update(func(txn *badger.Txn) error {
		cur, err := getItem(txn, cond.ID)
		if err != nil {
			return err
		}
		if !cond.Matches(cur) {
			return workitem.ErrConflict
		}
		item.Seq = cur.Seq
		return putItem(txn, cur, item)
	})
}

func (s *WorkitemStore) Delete(_ context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		cur, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if cur.State == workitem.StateNew {
			if err := txn.Delete(dueKey(cur)); err != nil {
				return err
			}
		}
		if err := txn.Delete(memberKey(cur.QueueID, id)); err != nil {
			return err
		}
		return txn.Delete([]byte(wiItemPrefix + id))
	})
}

func (s *WorkitemStore) Due(_ context.Context, queueID string, now time.Time, limit int) ([]*workitem.Item, error) {
	items := make([]*workitem.Item, 0)
	cutoff := now.UnixNano()

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(wiDuePrefix + queueID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			runAt, id, err := parseDueKey(it.Item().Key(), len(opts.Prefix))
			if err != nil {
				return err
			}
			if runAt > cutoff {
				continue
			}
			item, err := getItem(txn, id)
			if err != nil {
				return err
			}
			items = append(items, item)
			if limit > 0 && len(items) >= limit {
				return nil
			}
		}
		return nil
	})

	return items, err
}

func (s *WorkitemStore) ListByQueue(_ context.Context, queueID string) ([]*workitem.Item, error) {
	items := make([]*workitem.Item, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(wiMemberPrefix + queueID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(opts.Prefix):])
			item, err := getItem(txn, id)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortBySeq(items)
	return items, nil
}

func (s *WorkitemStore) CountByQueue(_ context.Context, queueID string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(wiMemberPrefix + queueID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// update runs fn in a read-write transaction and maps badger's
// transaction conflict onto workitem.ErrConflict.
func (s *WorkitemStore) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return workitem.ErrConflict
	}
	return err
}

func getQueue(txn *badger.Txn, id string) (*workitem.Queue, error) {
	item, err := txn.Get([]byte(wiQueuePrefix + id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, workitem.ErrQueueNotFound
		}
		return nil, err
	}

	var q workitem.Queue
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &q)
	}); err != nil {
		return nil, err
	}
	return &q, nil
}

func getItem(txn *badger.Txn, id string) (*workitem.Item, error) {
	entry, err := txn.Get([]byte(wiItemPrefix + id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, workitem.ErrItemNotFound
		}
		return nil, err
	}

	var item workitem.Item
	if err := entry.Value(func(val []byte) error {
		return json.Unmarshal(val, &item)
	}); err != nil {
		return nil, err
	}
	return &item, nil
}

// putItem writes item and moves its index entries away from those of prev.
func putItem(txn *badger.Txn, prev, item *workitem.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	if prev != nil {
		if prev.State == workitem.StateNew {
			if err := txn.Delete(dueKey(prev)); err != nil {
				return err
			}
		}
		if prev.QueueID != item.QueueID {
			if err := txn.Delete(memberKey(prev.QueueID, prev.ID)); err != nil {
				return err
			}
		}
	}

	if err := txn.Set([]byte(wiItemPrefix+item.ID), data); err != nil {
		return err
	}
	if err := txn.Set(memberKey(item.QueueID, item.ID), nil); err != nil {
		return err
	}
	if item.State == workitem.StateNew {
		return txn.Set(dueKey(item), nil)
	}
	return nil
}

func memberKey(queueID, id string) []byte {
	return []byte(wiMemberPrefix + queueID + ":" + id)
}

func dueKey(item *workitem.Item) []byte {
	var runAt int64
	if item.NextRun != nil {
		runAt = item.NextRun.UnixNano()
	}
	return fmt.Appendf(nil, "%s%s:%010d:%020d:%020d:%s",
		wiDuePrefix, item.QueueID, uint32(int64(item.Priority)+priorityOffset), uint64(runAt), item.Seq, item.ID)
}

// parseDueKey extracts the run time and item id following the queue prefix.
func parseDueKey(key []byte, prefixLen int) (int64, string, error) {
	parts := strings.SplitN(string(key[prefixLen:]), ":", 4)
	if len(parts) != 4 {
		return 0, "", fmt.Errorf("malformed due key %q", key)
	}
	runAt, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed due key %q: %w", key, err)
	}
	return int64(runAt), parts[3], nil
}

func sortBySeq(items []*workitem.Item) {
	slices.SortFunc(items, func(a, b *workitem.Item) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
