package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicatedlog/internal/replication"
)

func createTempStore(t *testing.T) (*BboltStore, string) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewBboltStore(dbPath, BboltOptions{})
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { store.Close() })

	return store, dbPath
}

func entries(term replication.LogTerm, from, to replication.LogIndex) []replication.PersistingLogEntry {
	var out []replication.PersistingLogEntry
	for i := from; i <= to; i++ {
		out = append(out, replication.PersistingLogEntry{Term: term, Index: i, Payload: []byte{byte(i), 0xfe}})
	}
	return out
}

func readAll(t *testing.T, log replication.PersistedLog, from replication.LogIndex) []replication.PersistingLogEntry {
	it, err := log.Iterate(from)
	require.NoError(t, err)
	return replication.Collect(it)
}

// persistedLogContract runs against every PersistedLog implementation
func persistedLogContract(t *testing.T, open func(t *testing.T) replication.PersistedLog) {
	ctx := context.Background()

	t.Run("empty log", func(t *testing.T) {
		log := open(t)
		first, err := log.FirstIndex()
		require.NoError(t, err)
		last, err := log.LastIndex()
		require.NoError(t, err)

		assert.Zero(t, first)
		assert.Zero(t, last)
		assert.Empty(t, readAll(t, log, 1))
	})

	t.Run("append and iterate", func(t *testing.T) {
		log := open(t)
		require.NoError(t, log.Append(ctx, entries(1, 1, 3), true))
		require.NoError(t, log.Append(ctx, entries(2, 4, 5), false))

		last, err := log.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, replication.LogIndex(5), last)

		got := readAll(t, log, 3)
		require.Len(t, got, 3)
		assert.Equal(t, entries(1, 3, 3)[0], got[0])
		assert.Equal(t, replication.LogTerm(2), got[2].Term)
	})

	t.Run("rejects a gap at the tail", func(t *testing.T) {
		log := open(t)
		require.NoError(t, log.Append(ctx, entries(1, 1, 2), false))

		err := log.Append(ctx, entries(1, 4, 4), false)
		assert.ErrorIs(t, err, replication.ErrNonContiguousAppend)

		last, _ := log.LastIndex()
		assert.Equal(t, replication.LogIndex(2), last)
	})

	t.Run("rejects a non-contiguous first index", func(t *testing.T) {
		log := open(t)
		err := log.Append(ctx, []replication.PersistingLogEntry{{Term: 5, Index: 20, Payload: []byte("p")}}, false)
		assert.ErrorIs(t, err, replication.ErrNonContiguousAppend)

		first, _ := log.FirstIndex()
		assert.Zero(t, first)
	})

	t.Run("rejects gaps inside a batch without partial writes", func(t *testing.T) {
		log := open(t)
		batch := append(entries(1, 1, 2), entries(1, 4, 4)...)

		err := log.Append(ctx, batch, false)
		assert.ErrorIs(t, err, replication.ErrNonContiguousAppend)
		assert.Empty(t, readAll(t, log, 1))
	})

	t.Run("truncate is idempotent", func(t *testing.T) {
		log := open(t)
		require.NoError(t, log.Append(ctx, entries(1, 1, 5), false))

		require.NoError(t, log.Truncate(ctx, 2))
		once := readAll(t, log, 1)
		require.NoError(t, log.Truncate(ctx, 2))
		twice := readAll(t, log, 1)

		assert.Equal(t, once, twice)
		assert.Len(t, twice, 2)

		require.NoError(t, log.Append(ctx, entries(3, 3, 3), false))
		last, _ := log.LastIndex()
		assert.Equal(t, replication.LogIndex(3), last)
	})

	t.Run("truncate beyond the tail keeps everything", func(t *testing.T) {
		log := open(t)
		require.NoError(t, log.Append(ctx, entries(1, 1, 2), false))
		require.NoError(t, log.Truncate(ctx, 10))
		assert.Len(t, readAll(t, log, 1), 2)
	})

	t.Run("cancelled context", func(t *testing.T) {
		log := open(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, log.Append(cancelled, entries(1, 1, 1), false), context.Canceled)
		assert.ErrorIs(t, log.Truncate(cancelled, 0), context.Canceled)
	})
}

func TestMemoryLog(t *testing.T) {
	persistedLogContract(t, func(t *testing.T) replication.PersistedLog {
		return NewMemoryLog(1)
	})
}

func TestBboltLog(t *testing.T) {
	persistedLogContract(t, func(t *testing.T) replication.PersistedLog {
		store, _ := createTempStore(t)
		log, err := store.OpenLog(7)
		require.NoError(t, err)
		return log
	})
}

func TestBboltStore(t *testing.T) {
	ctx := context.Background()

	t.Run("entries survive reopening", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "reopen.db")
		store, err := NewBboltStore(dbPath, BboltOptions{NoSync: true})
		require.NoError(t, err)
		log, err := store.OpenLog(1)
		require.NoError(t, err)
		require.NoError(t, log.Append(ctx, entries(2, 1, 3), true))
		require.NoError(t, store.Close())

		store, err = NewBboltStore(dbPath, BboltOptions{})
		require.NoError(t, err)
		defer store.Close()
		log, err = store.OpenLog(1)
		require.NoError(t, err)

		assert.Equal(t, entries(2, 1, 3), readAll(t, log, 1))
	})

	t.Run("logs are isolated and listed in order", func(t *testing.T) {
		store, _ := createTempStore(t)
		for _, id := range []replication.LogID{300, 2, 17} {
			log, err := store.OpenLog(id)
			require.NoError(t, err)
			require.NoError(t, log.Append(ctx, entries(1, 1, replication.LogIndex(id%5+1)), false))
		}

		ids, err := store.LogIDs()
		require.NoError(t, err)
		assert.Equal(t, []replication.LogID{2, 17, 300}, ids)

		log, _ := store.OpenLog(17)
		assert.Len(t, readAll(t, log, 1), 3)
	})

	t.Run("drop removes the log", func(t *testing.T) {
		store, _ := createTempStore(t)
		log, err := store.OpenLog(5)
		require.NoError(t, err)
		require.NoError(t, log.Append(ctx, entries(1, 1, 2), false))

		require.NoError(t, log.Drop())
		_, err = log.LastIndex()
		assert.ErrorIs(t, err, replication.ErrLogNotFound)

		ids, err := store.LogIDs()
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		store, err := NewBboltStore("/invalid/path/that/does/not/exist/test.db", BboltOptions{})
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	log, err := store.OpenLog(3)
	require.NoError(t, err)
	require.NoError(t, log.Append(context.Background(), entries(1, 1, 1), false))

	again, err := store.OpenLog(3)
	require.NoError(t, err)
	assert.Same(t, log, again)

	require.NoError(t, log.Drop())
	fresh, err := store.OpenLog(3)
	require.NoError(t, err)
	last, _ := fresh.LastIndex()
	assert.Zero(t, last)

	_, err = store.OpenLog(1)
	require.NoError(t, err)
	ids, err := store.LogIDs()
	require.NoError(t, err)
	assert.Equal(t, []replication.LogID{1, 3}, ids)
}
