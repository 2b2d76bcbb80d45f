package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/wire"
)

// Each replicated log lives in its own bucket named "log-<id>"
const logBucketPrefix = "log-"

// BboltOptions tunes the underlying bbolt database.
type BboltOptions struct {
	// NoSync skips the fsync on commit. Appends with waitForSync still sync explicitly.
	NoSync bool
}

// BboltStore is a bbolt database holding many persisted logs.
type BboltStore struct {
	conn   *bbolt.DB
	noSync bool
}

// NewBboltStore opens (or creates) the database at path
func NewBboltStore(path string, opts BboltOptions) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}
	db.NoSync = opts.NoSync
	return &BboltStore{conn: db, noSync: opts.NoSync}, nil
}

// OpenLog returns the persisted log with the given id, creating its bucket if needed.
func (s *BboltStore) OpenLog(id replication.LogID) (replication.PersistedLog, error) {
	name := bucketName(id)
	err := s.conn.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket for log %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BboltLog{store: s, id: id, bucket: name}, nil
}

// LogIDs lists the logs found in the database, in ascending order.
func (s *BboltStore) LogIDs() ([]replication.LogID, error) {
	var ids []replication.LogID
	err := s.conn.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !strings.HasPrefix(string(name), logBucketPrefix) || len(name) != len(logBucketPrefix)+8 {
				return nil
			}
			ids = append(ids, replication.LogID(bytesToUint64(name[len(logBucketPrefix):])))
			return nil
		})
	})
	return ids, err
}

// Close closes the storage connection
func (s *BboltStore) Close() error {
	return s.conn.Close()
}

// BboltLog implements replication.PersistedLog on one bucket of a BboltStore.
type BboltLog struct {
	store  *BboltStore
	id     replication.LogID
	bucket []byte
}

func (b *BboltLog) LogID() replication.LogID { return b.id }

func (b *BboltLog) bucketOf(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bucket := tx.Bucket(b.bucket)
	if bucket == nil {
		return nil, fmt.Errorf("log %d: %w", b.id, replication.ErrLogNotFound)
	}
	return bucket, nil
}

// Append writes all entries in a single transaction.
func (b *BboltLog) Append(ctx context.Context, entries []replication.PersistingLogEntry, waitForSync bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket, err := b.bucketOf(tx)
		if err != nil {
			return err
		}
		var last replication.LogIndex
		if k, _ := bucket.Cursor().Last(); k != nil {
			last = replication.LogIndex(bytesToUint64(k))
		}
		for _, entry := range entries {
			if entry.Index != last+1 {
				return fmt.Errorf("%w: expected index %d, got %d", replication.ErrNonContiguousAppend, last+1, entry.Index)
			}
			if err := bucket.Put(uint64ToBytes(uint64(entry.Index)), wire.MarshalEntry(entry)); err != nil {
				return err
			}
			last = entry.Index
		}
		return nil
	})
	if err != nil {
		return err
	}
	if waitForSync && b.store.noSync {
		return b.store.conn.Sync()
	}
	return nil
}

// Iterate reads all entries starting from the given index
func (b *BboltLog) Iterate(from replication.LogIndex) (replication.LogIterator, error) {
	var entries []replication.PersistingLogEntry
	err := b.store.conn.View(func(tx *bbolt.Tx) error {
		bucket, err := b.bucketOf(tx)
		if err != nil {
			return err
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(uint64ToBytes(uint64(from))); k != nil; k, v = cursor.Next() {
			entry, err := wire.UnmarshalEntry(v)
			if err != nil {
				return fmt.Errorf("failed to unmarshal log entry %d: %w", bytesToUint64(k), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replication.NewSliceIterator(entries), nil
}

// Truncate deletes all entries with an index greater than beyond
func (b *BboltLog) Truncate(ctx context.Context, beyond replication.LogIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket, err := b.bucketOf(tx)
		if err != nil {
			return err
		}
		// Collect first: deleting under a live cursor skips keys
		var keys [][]byte
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(uint64ToBytes(uint64(beyond) + 1)); k != nil; k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// FirstIndex returns the index of the first log entry (0 if log is empty)
func (b *BboltLog) FirstIndex() (replication.LogIndex, error) {
	return b.edge(func(c *bbolt.Cursor) []byte { k, _ := c.First(); return k })
}

// LastIndex returns the index of the last log entry (0 if log is empty)
func (b *BboltLog) LastIndex() (replication.LogIndex, error) {
	return b.edge(func(c *bbolt.Cursor) []byte { k, _ := c.Last(); return k })
}

func (b *BboltLog) edge(pos func(*bbolt.Cursor) []byte) (replication.LogIndex, error) {
	var index replication.LogIndex
	err := b.store.conn.View(func(tx *bbolt.Tx) error {
		bucket, err := b.bucketOf(tx)
		if err != nil {
			return err
		}
		if k := pos(bucket.Cursor()); k != nil {
			index = replication.LogIndex(bytesToUint64(k))
		}
		return nil
	})
	return index, err
}

// Drop deletes the bucket of the log
func (b *BboltLog) Drop() error {
	return b.store.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil {
			return fmt.Errorf("failed to drop log %d: %w", b.id, err)
		}
		return nil
	})
}

func bucketName(id replication.LogID) []byte {
	return append([]byte(logBucketPrefix), uint64ToBytes(uint64(id))...)
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
