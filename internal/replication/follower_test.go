package replication_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/mocks"
)

func entry(term replication.LogTerm, index replication.LogIndex, payload string) replication.PersistingLogEntry {
	return replication.PersistingLogEntry{Term: term, Index: index, Payload: replication.LogPayload(payload)}
}

func newFollower(t *testing.T, term replication.LogTerm, leader replication.ParticipantID, entries ...replication.PersistingLogEntry) (*replication.LogFollower, *mocks.MockPersistedLog) {
	t.Helper()
	store := mocks.NewMockPersistedLog(1, entries...)
	rl := replication.NewReplicatedLog(replication.NewLogCore(store), replication.Options{ParticipantID: "follower"})
	follower, err := rl.BecomeFollower(term, leader)
	require.NoError(t, err)
	return follower, store
}

func appendEntries(t *testing.T, f *replication.LogFollower, req *replication.AppendEntriesRequest) *replication.AppendEntriesResult {
	t.Helper()
	res, err := f.AppendEntries(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, req.MessageID, res.MessageID, "message id must be echoed")
	return res
}

func TestFollower_WrongTerm(t *testing.T) {
	f, _ := newFollower(t, 5, "leader")

	res := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm: 4,
		LeaderID:   "leader",
		MessageID:  1,
		Entries:    []replication.PersistingLogEntry{entry(4, 1, "x")},
	})

	assert.Equal(t, replication.ErrorCodeReplicationRejected, res.ErrorCode)
	assert.Equal(t, replication.ReasonWrongTerm, res.Reason)
	assert.Equal(t, replication.LogTerm(5), res.LogTerm)
	assert.Equal(t, replication.LogTerm(5), f.GetStatus().Term)
}

func TestFollower_NoPrevLogMatch(t *testing.T) {
	t.Run("empty log", func(t *testing.T) {
		f, _ := newFollower(t, 5, "leader")

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm:   5,
			LeaderID:     "leader",
			PrevLogEntry: replication.TermIndexPair{Term: 1, Index: 1},
			MessageID:    1,
		})

		assert.Equal(t, replication.ReasonNoPrevLogMatch, res.Reason)
	})

	t.Run("same index, different term", func(t *testing.T) {
		f, _ := newFollower(t, 5, "leader", entry(1, 1, "a"), entry(2, 2, "b"))

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm:   5,
			LeaderID:     "leader",
			PrevLogEntry: replication.TermIndexPair{Term: 3, Index: 2},
			MessageID:    1,
		})

		assert.Equal(t, replication.ReasonNoPrevLogMatch, res.Reason)
	})
}

func TestFollower_ConflictingEntries(t *testing.T) {
	t.Run("replaces an entry of an older term", func(t *testing.T) {
		f, store := newFollower(t, 5, "leader", entry(1, 1, "x"))

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm: 5,
			LeaderID:   "leader",
			Entries:    []replication.PersistingLogEntry{entry(5, 1, "y")},
			MessageID:  1,
		})

		require.True(t, res.IsSuccess(), res.String())
		assert.Equal(t, replication.LogIndex(1), res.LastAckedIndex)
		assert.Equal(t, []replication.PersistingLogEntry{entry(5, 1, "y")}, store.Entries())

		got, err := f.ReadEntry(1)
		require.NoError(t, err)
		assert.Equal(t, "y", string(got.Payload))
	})

	t.Run("keeps an identical entry", func(t *testing.T) {
		f, store := newFollower(t, 5, "leader", entry(1, 1, "x"))

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm: 5,
			LeaderID:   "leader",
			Entries:    []replication.PersistingLogEntry{entry(1, 1, "x")},
			MessageID:  1,
		})

		require.True(t, res.IsSuccess())
		assert.Zero(t, store.TruncateCalls)
		assert.Equal(t, []replication.PersistingLogEntry{entry(1, 1, "x")}, store.Entries())
	})

	t.Run("conflict right after the first entry", func(t *testing.T) {
		f, store := newFollower(t, 5, "leader", entry(1, 1, "a"), entry(1, 2, "b"), entry(1, 3, "c"))

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm:   5,
			LeaderID:     "leader",
			PrevLogEntry: replication.TermIndexPair{Term: 1, Index: 1},
			Entries:      []replication.PersistingLogEntry{entry(2, 2, "B")},
			MessageID:    1,
		})

		require.True(t, res.IsSuccess())
		assert.Equal(t, replication.LogIndex(2), res.LastAckedIndex)
		assert.Equal(t, []replication.PersistingLogEntry{entry(1, 1, "a"), entry(2, 2, "B")}, store.Entries())
		assert.Equal(t, replication.TermIndexPair{Term: 2, Index: 2}, f.GetStatus().Spearhead)
	})

	t.Run("stale shorter request does not truncate", func(t *testing.T) {
		f, store := newFollower(t, 5, "leader", entry(5, 1, "a"), entry(5, 2, "b"))

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm: 5,
			LeaderID:   "leader",
			Entries:    []replication.PersistingLogEntry{entry(5, 1, "a")},
			MessageID:  1,
		})

		require.True(t, res.IsSuccess())
		assert.Equal(t, replication.LogIndex(1), res.LastAckedIndex)
		assert.Len(t, store.Entries(), 2)
	})
}

func TestFollower_InvalidLeaderID(t *testing.T) {
	f, _ := newFollower(t, 5, "leader")

	res := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm: 5,
		LeaderID:   "oldLeader",
		MessageID:  1,
	})

	assert.Equal(t, replication.ReasonInvalidLeaderID, res.Reason)
	assert.Equal(t, replication.ParticipantID("leader"), f.GetStatus().Leader)
}

func TestFollower_PrevAppendEntriesInFlight(t *testing.T) {
	f, store := newFollower(t, 5, "leader")
	store.HoldAppends()

	reqA := &replication.AppendEntriesRequest{
		LeaderTerm: 5,
		LeaderID:   "leader",
		Entries:    []replication.PersistingLogEntry{entry(5, 1, "a")},
		MessageID:  1,
	}
	resultA := make(chan *replication.AppendEntriesResult, 1)
	go func() {
		res, _ := f.AppendEntries(context.Background(), reqA)
		resultA <- res
	}()

	select {
	case <-store.Blocked():
	case <-time.After(time.Second):
		t.Fatal("append A never reached the store")
	}

	reqB := *reqA
	reqB.MessageID = 2
	resB := appendEntries(t, f, &reqB)
	assert.Equal(t, replication.ReasonPrevAppendEntriesInFlight, resB.Reason)

	store.ReleaseAppends()
	resA := <-resultA
	require.True(t, resA.IsSuccess(), resA.String())
	assert.Equal(t, replication.LogIndex(1), resA.LastAckedIndex)

	resC := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm:   5,
		LeaderID:     "leader",
		PrevLogEntry: replication.TermIndexPair{Term: 5, Index: 1},
		Entries:      []replication.PersistingLogEntry{entry(5, 2, "c")},
		MessageID:    3,
	})
	require.True(t, resC.IsSuccess(), resC.String())
	assert.Equal(t, replication.LogIndex(2), resC.LastAckedIndex)
}

func TestFollower_NonContiguousStart(t *testing.T) {
	f, store := newFollower(t, 5, "leader")

	res := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm: 5,
		LeaderID:   "leader",
		Entries:    []replication.PersistingLogEntry{entry(5, 20, "p")},
		MessageID:  1,
	})

	assert.Equal(t, replication.ErrorCodePersistenceFailed, res.ErrorCode)
	assert.Equal(t, replication.ReasonPersistenceFailure, res.Reason)
	assert.Empty(t, store.Entries())
	assert.Equal(t, replication.TermIndexPair{}, f.GetStatus().Spearhead)
}

func TestFollower_MalformedEntries(t *testing.T) {
	committed := []replication.PersistingLogEntry{entry(2, 1, "a"), entry(2, 2, "b"), entry(2, 3, "c")}
	newCommitted := func(t *testing.T) (*replication.LogFollower, *mocks.MockPersistedLog) {
		f, store := newFollower(t, 2, "leader", committed...)
		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm:   2,
			LeaderID:     "leader",
			PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 3},
			LeaderCommit: 3,
			MessageID:    1,
		})
		require.True(t, res.IsSuccess(), res.String())
		require.Equal(t, replication.LogIndex(3), f.CommitIndex())
		return f, store
	}

	tests := []struct {
		name string
		req  *replication.AppendEntriesRequest
	}{
		{
			name: "gap after prev",
			req: &replication.AppendEntriesRequest{
				LeaderTerm:   2,
				LeaderID:     "leader",
				PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 1},
				Entries:      []replication.PersistingLogEntry{entry(2, 10, "x")},
				MessageID:    2,
			},
		},
		{
			name: "index repeated inside the batch",
			req: &replication.AppendEntriesRequest{
				LeaderTerm:   2,
				LeaderID:     "leader",
				PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 3},
				Entries:      []replication.PersistingLogEntry{entry(2, 4, "d"), entry(2, 4, "e")},
				MessageID:    2,
			},
		},
		{
			name: "entry term beyond the leader term",
			req: &replication.AppendEntriesRequest{
				LeaderTerm:   2,
				LeaderID:     "leader",
				PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 3},
				Entries:      []replication.PersistingLogEntry{entry(3, 4, "d")},
				MessageID:    2,
			},
		},
		{
			name: "conflict below the commit index",
			req: &replication.AppendEntriesRequest{
				LeaderTerm:   3,
				LeaderID:     "leader",
				PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 1},
				Entries:      []replication.PersistingLogEntry{entry(3, 2, "B")},
				MessageID:    2,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, store := newCommitted(t)

			res := appendEntries(t, f, tt.req)

			assert.Equal(t, replication.ReasonPersistenceFailure, res.Reason)
			assert.Zero(t, store.TruncateCalls)
			assert.Equal(t, committed, store.Entries())
			assert.Equal(t, replication.LogIndex(3), f.CommitIndex())
			assert.Equal(t, replication.TermIndexPair{Term: 2, Index: 3}, f.GetStatus().Spearhead)

			// the rejected message id is not consumed
			next := *tt.req
			next.PrevLogEntry = replication.TermIndexPair{Term: 2, Index: 3}
			next.Entries = []replication.PersistingLogEntry{entry(2, 4, "d")}
			res = appendEntries(t, f, &next)
			require.True(t, res.IsSuccess(), res.String())
			assert.Equal(t, replication.LogIndex(4), res.LastAckedIndex)
		})
	}
}

func TestFollower_TermChangedDuringPersistence(t *testing.T) {
	f, store := newFollower(t, 4, "old")
	store.HoldAppends()

	reqA := &replication.AppendEntriesRequest{
		LeaderTerm:   4,
		LeaderID:     "old",
		Entries:      []replication.PersistingLogEntry{entry(4, 1, "old")},
		LeaderCommit: 1,
		MessageID:    1,
	}
	resultA := make(chan *replication.AppendEntriesResult, 1)
	go func() {
		res, _ := f.AppendEntries(context.Background(), reqA)
		resultA <- res
	}()

	select {
	case <-store.Blocked():
	case <-time.After(time.Second):
		t.Fatal("append A never reached the store")
	}

	resB := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm: 5,
		LeaderID:   "new",
		Entries:    []replication.PersistingLogEntry{entry(5, 1, "new")},
		MessageID:  1,
	})
	assert.Equal(t, replication.ReasonPrevAppendEntriesInFlight, resB.Reason)
	assert.Equal(t, replication.LogTerm(5), resB.LogTerm)

	store.ReleaseAppends()
	var resA *replication.AppendEntriesResult
	select {
	case resA = <-resultA:
	case <-time.After(time.Second):
		t.Fatal("append A did not finish")
	}

	require.False(t, resA.IsSuccess(), resA.String())
	assert.Equal(t, replication.ReasonWrongTerm, resA.Reason)
	assert.Equal(t, replication.LogTerm(5), resA.LogTerm)
	assert.Equal(t, replication.MessageID(1), resA.MessageID)
	assert.Zero(t, f.CommitIndex())

	// the new leader replaces the entry it does not know about
	resC := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm: 5,
		LeaderID:   "new",
		Entries:    []replication.PersistingLogEntry{entry(5, 1, "new")},
		MessageID:  2,
	})
	require.True(t, resC.IsSuccess(), resC.String())
	assert.Equal(t, []replication.PersistingLogEntry{entry(5, 1, "new")}, store.Entries())
}

func TestFollower_MessageOutdated(t *testing.T) {
	f, _ := newFollower(t, 5, "leader")
	req := &replication.AppendEntriesRequest{
		LeaderTerm: 5,
		LeaderID:   "leader",
		Entries:    []replication.PersistingLogEntry{entry(5, 1, "a")},
		MessageID:  7,
	}
	require.True(t, appendEntries(t, f, req).IsSuccess())

	for _, id := range []replication.MessageID{7, 3} {
		replay := *req
		replay.MessageID = id
		res := appendEntries(t, f, &replay)
		assert.Equal(t, replication.ReasonMessageOutdated, res.Reason)
	}
}

func TestFollower_NewTerm(t *testing.T) {
	f, _ := newFollower(t, 5, "leader", entry(5, 1, "a"))
	require.True(t, appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm: 5, LeaderID: "leader", PrevLogEntry: replication.TermIndexPair{Term: 5, Index: 1}, MessageID: 40,
	}).IsSuccess())

	// a new leader starts counting from 1 again
	res := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm:   6,
		LeaderID:     "newLeader",
		PrevLogEntry: replication.TermIndexPair{Term: 5, Index: 1},
		Entries:      []replication.PersistingLogEntry{entry(6, 2, "b")},
		MessageID:    1,
	})

	require.True(t, res.IsSuccess(), res.String())
	assert.Equal(t, replication.LogTerm(6), res.LogTerm)
	status := f.GetStatus()
	assert.Equal(t, replication.LogTerm(6), status.Term)
	assert.Equal(t, replication.ParticipantID("newLeader"), status.Leader)

	stale := appendEntries(t, f, &replication.AppendEntriesRequest{LeaderTerm: 5, LeaderID: "leader", MessageID: 41})
	assert.Equal(t, replication.ReasonWrongTerm, stale.Reason)
}

func TestFollower_AdoptsLeader(t *testing.T) {
	f, _ := newFollower(t, 3, "")

	res := appendEntries(t, f, &replication.AppendEntriesRequest{LeaderTerm: 3, LeaderID: "someone", MessageID: 1})
	require.True(t, res.IsSuccess())
	assert.Equal(t, replication.ParticipantID("someone"), f.GetStatus().Leader)

	other := appendEntries(t, f, &replication.AppendEntriesRequest{LeaderTerm: 3, LeaderID: "other", MessageID: 2})
	assert.Equal(t, replication.ReasonInvalidLeaderID, other.Reason)
}

func TestFollower_CommitIndex(t *testing.T) {
	f, _ := newFollower(t, 2, "leader")

	waitErr := make(chan error, 1)
	go func() { waitErr <- f.WaitFor(context.Background(), 2) }()

	res := appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm:   2,
		LeaderID:     "leader",
		Entries:      []replication.PersistingLogEntry{entry(2, 1, "a"), entry(2, 2, "b"), entry(2, 3, "c")},
		LeaderCommit: 0,
		MessageID:    1,
	})
	require.True(t, res.IsSuccess())
	assert.Equal(t, replication.LogIndex(0), f.CommitIndex())

	// the leader commit is capped by what this request proved to match
	res = appendEntries(t, f, &replication.AppendEntriesRequest{
		LeaderTerm:   2,
		LeaderID:     "leader",
		PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 2},
		LeaderCommit: 9,
		MessageID:    2,
	})
	require.True(t, res.IsSuccess())
	assert.Equal(t, replication.LogIndex(2), f.CommitIndex())

	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitFor(2) did not resolve")
	}

	it, err := f.WaitForIterator(context.Background(), 1)
	require.NoError(t, err)
	committed := replication.Collect(it)
	assert.Equal(t, []replication.PersistingLogEntry{entry(2, 1, "a"), entry(2, 2, "b")}, committed)
}

func TestFollower_PersistenceFailure(t *testing.T) {
	t.Run("append failure leaves the log unchanged", func(t *testing.T) {
		f, store := newFollower(t, 2, "leader", entry(2, 1, "a"))
		store.SetAppendError(errors.New("disk full"))

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm:   2,
			LeaderID:     "leader",
			PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 1},
			Entries:      []replication.PersistingLogEntry{entry(2, 2, "b")},
			MessageID:    1,
		})

		assert.Equal(t, replication.ReasonPersistenceFailure, res.Reason)
		assert.Equal(t, replication.TermIndexPair{Term: 2, Index: 1}, f.GetStatus().Spearhead)

		// the leader resends with a fresh message id once the store recovered
		store.SetAppendError(nil)
		res = appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm:   2,
			LeaderID:     "leader",
			PrevLogEntry: replication.TermIndexPair{Term: 2, Index: 1},
			Entries:      []replication.PersistingLogEntry{entry(2, 2, "b")},
			MessageID:    2,
		})
		assert.True(t, res.IsSuccess())
	})

	t.Run("truncation that reached the store is mirrored", func(t *testing.T) {
		f, store := newFollower(t, 2, "leader", entry(1, 1, "a"), entry(1, 2, "b"))
		store.SetAppendError(errors.New("disk full"))

		res := appendEntries(t, f, &replication.AppendEntriesRequest{
			LeaderTerm:   2,
			LeaderID:     "leader",
			PrevLogEntry: replication.TermIndexPair{Term: 1, Index: 1},
			Entries:      []replication.PersistingLogEntry{entry(2, 2, "B")},
			MessageID:    1,
		})

		assert.Equal(t, replication.ReasonPersistenceFailure, res.Reason)
		assert.Len(t, store.Entries(), 1)
		_, err := f.ReadEntry(2)
		assert.ErrorIs(t, err, replication.ErrIndexOutOfRange)
	})
}

func TestFollower_Resign(t *testing.T) {
	f, _ := newFollower(t, 2, "leader")

	waitErr := make(chan error, 1)
	go func() { waitErr <- f.WaitFor(context.Background(), 1) }()

	core, err := f.Resign()
	require.NoError(t, err)
	assert.NotNil(t, core)

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, replication.ErrParticipantResigned)
	case <-time.After(time.Second):
		t.Fatal("waiter was not failed on resign")
	}

	res := appendEntries(t, f, &replication.AppendEntriesRequest{LeaderTerm: 3, LeaderID: "leader", MessageID: 1})
	assert.Equal(t, replication.ReasonLostLogCore, res.Reason)

	_, err = f.Resign()
	assert.ErrorIs(t, err, replication.ErrParticipantResigned)
	assert.ErrorIs(t, f.WaitFor(context.Background(), 1), replication.ErrParticipantResigned)
}

func TestFollower_WaitForContext(t *testing.T) {
	f, _ := newFollower(t, 2, "leader")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, f.WaitFor(ctx, 1), context.DeadlineExceeded)
}
