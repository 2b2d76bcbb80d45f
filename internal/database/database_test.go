package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/storage"
)

func newDatabase(t *testing.T, id replication.ParticipantID, network *InProcess) *Database {
	t.Helper()
	cfg := replication.DefaultLeaderConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	opts := Options{
		Participant:    id,
		Storage:        storage.NewMemoryStore(),
		LeaderDefaults: cfg,
		InsertTimeout:  2 * time.Second,
		Logger:         zaptest.NewLogger(t).Sugar(),
	}
	if network != nil {
		opts.Followers = network.Followers
	}
	db := New(opts)
	if network != nil {
		network.Add(db)
	}
	t.Cleanup(db.Close)
	return db
}

func TestDatabase_LogLifecycle(t *testing.T) {
	db := newDatabase(t, "p1", nil)

	require.NoError(t, db.CreateLog(3))
	require.NoError(t, db.CreateLog(1))
	assert.ErrorIs(t, db.CreateLog(3), replication.ErrLogExists)

	list := db.List()
	require.Len(t, list, 2)
	assert.Equal(t, replication.LogID(1), list[0].LogID)
	assert.Equal(t, replication.LogID(3), list[1].LogID)
	assert.Equal(t, replication.RoleUnconfigured, list[0].Role)

	require.NoError(t, db.DropLog(3))
	assert.ErrorIs(t, db.DropLog(3), replication.ErrLogNotFound)
	_, err := db.Status(3)
	assert.ErrorIs(t, err, replication.ErrLogNotFound)
	assert.Len(t, db.List(), 1)

	_, err = db.Tail(1, 1)
	assert.ErrorIs(t, err, ErrUnconfigured)
}

func TestDatabase_SingleParticipant(t *testing.T) {
	db := newDatabase(t, "p1", nil)
	require.NoError(t, db.CreateLog(1))

	status, err := db.SetTerm(1, TermSpec{Term: 1, Leader: "p1", Participants: []replication.ParticipantID{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, replication.RoleLeader, status.Role)

	res, err := db.Insert(context.Background(), 1, replication.LogPayload("SET color=blue"))
	require.NoError(t, err)
	assert.Equal(t, replication.LogIndex(1), res.Index)
	assert.Equal(t, replication.LogTerm(1), res.Term)
	assert.Equal(t, []replication.ParticipantID{"p1"}, res.Quorum.Quorum)

	require.Eventually(t, func() bool {
		v, ok, _ := db.KV(1, "color")
		return ok && v == "blue"
	}, time.Second, time.Millisecond)

	entries, err := db.Tail(1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "SET color=blue", string(entries[0].Payload))

	_, err = db.Follower(1)
	assert.ErrorIs(t, err, replication.ErrNotFollower)
	_, err = db.SetTerm(1, TermSpec{Term: 1, Leader: "p1"})
	assert.ErrorIs(t, err, replication.ErrStaleTerm)
}

func TestDatabase_RoleChangesWhileApplying(t *testing.T) {
	db := newDatabase(t, "p1", nil)
	require.NoError(t, db.CreateLog(1))
	members := []replication.ParticipantID{"p1"}

	const terms = 20
	for term := replication.LogTerm(1); term <= terms; term++ {
		_, err := db.SetTerm(1, TermSpec{Term: term, Leader: "p1", Participants: members})
		require.NoError(t, err)
		res, err := db.Insert(context.Background(), 1, replication.LogPayload(fmt.Sprintf("SET last=%d", term)))
		require.NoError(t, err)
		require.Equal(t, replication.LogIndex(2*term-1), res.Index)
		_, err = db.Insert(context.Background(), 1, replication.LogPayload(fmt.Sprintf("SET t%d=x", term)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		applied, err := db.AppliedIndex(1)
		return err == nil && applied == 2*terms
	}, 2*time.Second, time.Millisecond)

	v, ok, err := db.KV(1, "last")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fmt.Sprint(terms), v)
	for term := 1; term <= terms; term++ {
		_, ok, _ := db.KV(1, fmt.Sprintf("t%d", term))
		assert.True(t, ok, "term %d", term)
	}
}

func TestDatabase_ThreeParticipants(t *testing.T) {
	network := NewInProcess()
	dbs := []*Database{
		newDatabase(t, "p1", network),
		newDatabase(t, "p2", network),
		newDatabase(t, "p3", network),
	}
	members := []replication.ParticipantID{"p1", "p2", "p3"}
	spec := TermSpec{Term: 1, Leader: "p1", Participants: members, Config: &TermConfig{WriteConcern: 2}}

	// followers first, so the leader's first requests find them
	for _, db := range []*Database{dbs[1], dbs[2], dbs[0]} {
		require.NoError(t, db.CreateLog(7))
		_, err := db.SetTerm(7, spec)
		require.NoError(t, err)
	}

	_, err := dbs[1].Insert(context.Background(), 7, replication.LogPayload("SET a=1"))
	assert.ErrorIs(t, err, replication.ErrNotLeader)

	for _, cmd := range []string{"SET a=1", "SET b=2", "DEL a"} {
		res, err := dbs[0].Insert(context.Background(), 7, replication.LogPayload(cmd))
		require.NoError(t, err, cmd)
		assert.GreaterOrEqual(t, len(res.Quorum.Quorum), 2)
	}

	status, err := dbs[0].Status(7)
	require.NoError(t, err)
	require.NotNil(t, status.Leader)
	assert.Equal(t, 2, status.Leader.WriteConcern)
	assert.Len(t, status.Leader.Followers, 2)

	for _, db := range dbs {
		require.Eventually(t, func() bool {
			applied, err := db.AppliedIndex(7)
			return err == nil && applied == 3
		}, 2*time.Second, time.Millisecond, "participant %s", db.Participant())

		_, ok, err := db.KV(7, "a")
		require.NoError(t, err)
		assert.False(t, ok)
		v, ok, _ := db.KV(7, "b")
		assert.True(t, ok)
		assert.Equal(t, "2", v)

		entry, err := db.ReadEntry(7, 2)
		require.NoError(t, err)
		assert.Equal(t, "SET b=2", string(entry.Payload))
	}

	// hand leadership to p2 in term 2; p1 steps down to follow it
	spec = TermSpec{Term: 2, Leader: "p2", Participants: members}
	for _, db := range []*Database{dbs[0], dbs[2], dbs[1]} {
		_, err := db.SetTerm(7, spec)
		require.NoError(t, err)
	}
	res, err := dbs[1].Insert(context.Background(), 7, replication.LogPayload("SET c=3"))
	require.NoError(t, err)
	assert.Equal(t, replication.LogIndex(4), res.Index)
	assert.Equal(t, replication.LogTerm(2), res.Term)

	require.Eventually(t, func() bool {
		v, ok, _ := dbs[0].KV(7, "c")
		return ok && v == "3"
	}, 2*time.Second, time.Millisecond)
}

func TestDatabase_Recover(t *testing.T) {
	store := storage.NewMemoryStore()
	persisted, err := store.OpenLog(4)
	require.NoError(t, err)
	require.NoError(t, persisted.Append(context.Background(), []replication.PersistingLogEntry{
		{Term: 1, Index: 1, Payload: []byte("SET k=v")},
	}, false))

	db := New(Options{Participant: "p1", Storage: store})
	defer db.Close()
	require.NoError(t, db.Recover())

	_, err = db.BecomeFollower(4, 2, "")
	require.NoError(t, err)
	entry, err := db.ReadEntry(4, 1)
	require.NoError(t, err)
	assert.Equal(t, "SET k=v", string(entry.Payload))
}

func TestDatabase_LeaderNeedsTransport(t *testing.T) {
	db := newDatabase(t, "p1", nil)
	require.NoError(t, db.CreateLog(1))

	_, err := db.BecomeLeader(1, 1, []replication.ParticipantID{"p1", "p2"}, nil)
	assert.ErrorIs(t, err, replication.ErrInvalidConfig)
}

func TestDatabase_UnknownLog(t *testing.T) {
	db := newDatabase(t, "p1", nil)

	_, err := db.Insert(context.Background(), 9, nil)
	assert.ErrorIs(t, err, replication.ErrLogNotFound)
	_, err = db.BecomeFollower(9, 1, "p2")
	assert.ErrorIs(t, err, replication.ErrLogNotFound)
	_, _, err = db.KV(9, "k")
	assert.ErrorIs(t, err, replication.ErrLogNotFound)
	_, err = db.Follower(9)
	assert.ErrorIs(t, err, replication.ErrLogNotFound)
}
