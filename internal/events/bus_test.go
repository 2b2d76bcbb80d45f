package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/storage"
)

var _ replication.EventSink = (*Bus)(nil)

func receive(t *testing.T, ch <-chan replication.Event) replication.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return replication.Event{}
	}
}

func TestBus_FiltersByKind(t *testing.T) {
	bus := NewBus(16, zaptest.NewLogger(t).Sugar())
	defer bus.ForceShutdown()

	commits := make(chan replication.Event, 4)
	all := make(chan replication.Event, 4)
	bus.Subscribe(commits, SubscriptionOptions{}, replication.EventCommitAdvanced)
	bus.Subscribe(all, SubscriptionOptions{})

	bus.Emit(replication.Event{Kind: replication.EventRoleChanged, LogID: 1})
	bus.Emit(replication.Event{Kind: replication.EventCommitAdvanced, LogID: 1, Index: 3})

	assert.Equal(t, replication.EventRoleChanged, receive(t, all).Kind)
	assert.Equal(t, replication.EventCommitAdvanced, receive(t, all).Kind)
	ev := receive(t, commits)
	assert.Equal(t, replication.LogIndex(3), ev.Index)
	assert.Empty(t, commits)
}

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(16, zaptest.NewLogger(t).Sugar())

	slow := make(chan replication.Event) // unbuffered and never read
	id := bus.Subscribe(slow, SubscriptionOptions{})

	bus.Emit(replication.Event{Kind: replication.EventCommitAdvanced})
	bus.Emit(replication.Event{Kind: replication.EventCommitAdvanced})
	bus.GracefulShutdown()

	assert.Equal(t, uint64(2), bus.Dropped(id))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(16, zaptest.NewLogger(t).Sugar())
	defer bus.ForceShutdown()

	ch := make(chan replication.Event, 1)
	id := bus.Subscribe(ch, SubscriptionOptions{})
	bus.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok, "channel must be closed")
	assert.Zero(t, bus.Dropped(id))
	bus.Unsubscribe(id)
}

func TestBus_Shutdown(t *testing.T) {
	bus := NewBus(16, zaptest.NewLogger(t).Sugar())
	ch := make(chan replication.Event, 16)
	bus.Subscribe(ch, SubscriptionOptions{IsBlocking: true})

	for i := 0; i < 5; i++ {
		bus.Emit(replication.Event{Kind: replication.EventCommitAdvanced, Index: replication.LogIndex(i + 1)})
	}
	bus.GracefulShutdown()
	assert.Len(t, ch, 5, "queued events are delivered before shutdown returns")

	bus.Emit(replication.Event{Kind: replication.EventCommitAdvanced})
	bus.GracefulShutdown()
	bus.ForceShutdown()
	assert.Len(t, ch, 5)
}

func TestBus_ReceivesReplicatedLogEvents(t *testing.T) {
	bus := NewBus(64, zaptest.NewLogger(t).Sugar())
	defer bus.ForceShutdown()
	ch := make(chan replication.Event, 64)
	bus.Subscribe(ch, SubscriptionOptions{}, replication.EventRoleChanged, replication.EventCommitAdvanced)

	rl := replication.NewReplicatedLog(replication.NewLogCore(storage.NewMemoryLog(5)), replication.Options{
		ParticipantID: "p1",
		Events:        bus,
	})
	leader, err := rl.BecomeLeader(replication.LeaderOptions{Term: 1, Config: replication.DefaultLeaderConfig()})
	require.NoError(t, err)
	defer func() { _, _ = leader.Resign() }()

	ev := receive(t, ch)
	assert.Equal(t, replication.EventRoleChanged, ev.Kind)
	assert.Equal(t, replication.RoleLeader, ev.Role)
	assert.Equal(t, replication.LogID(5), ev.LogID)

	_, err = leader.Insert(replication.LogPayload("x"))
	require.NoError(t, err)
	ev = receive(t, ch)
	assert.Equal(t, replication.EventCommitAdvanced, ev.Kind)
	assert.Equal(t, []replication.ParticipantID{"p1"}, ev.Quorum)
}
