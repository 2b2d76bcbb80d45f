package statemachine

import (
	"context"
	"sync"
	"sync/atomic"

	"replicatedlog/internal/replication"
)

// CommittedSource is a participant whose committed entries can be tailed. Both
// *replication.LogLeader and *replication.LogFollower are sources.
type CommittedSource interface {
	WaitForIterator(ctx context.Context, from replication.LogIndex) (replication.LogIterator, error)
}

// Applier feeds committed entries to a state machine exactly once, in index order. It
// outlives participants: after a role change, Run is called again with the new one and
// continues after the last applied index.
type Applier struct {
	sm StateMachine
	// running is held by Run; a second Run waits until the first returned
	running sync.Mutex
	applied atomic.Uint64
}

func NewApplier(sm StateMachine) *Applier {
	return &Applier{sm: sm}
}

// AppliedIndex returns the index of the last entry handed to the state machine.
func (a *Applier) AppliedIndex() replication.LogIndex {
	return replication.LogIndex(a.applied.Load())
}

// Run applies entries as source commits them until ctx is done or the source resigns.
// The error is the one that ended the loop.
func (a *Applier) Run(ctx context.Context, source CommittedSource) error {
	a.running.Lock()
	defer a.running.Unlock()
	for {
		it, err := source.WaitForIterator(ctx, a.AppliedIndex()+1)
		if err != nil {
			return err
		}
		entries := replication.Collect(it)
		if len(entries) == 0 {
			continue
		}
		a.sm.Apply(entries)
		a.applied.Store(uint64(entries[len(entries)-1].Index))
	}
}
