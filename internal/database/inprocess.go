package database

import (
	"context"
	"sync"

	"replicatedlog/internal/replication"
)

// InProcess connects databases living in the same process without a network transport.
type InProcess struct {
	mu  sync.RWMutex
	dbs map[replication.ParticipantID]*Database
}

func NewInProcess() *InProcess {
	return &InProcess{dbs: make(map[replication.ParticipantID]*Database)}
}

// Add makes db reachable under its participant id.
func (p *InProcess) Add(db *Database) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dbs[db.Participant()] = db
}

// Followers is a FollowerFactory resolving participants added to p.
func (p *InProcess) Followers(participant replication.ParticipantID, logID replication.LogID) replication.AbstractFollower {
	return &inProcessFollower{network: p, id: participant, logID: logID}
}

type inProcessFollower struct {
	network *InProcess
	id      replication.ParticipantID
	logID   replication.LogID
}

func (f *inProcessFollower) ParticipantID() replication.ParticipantID { return f.id }

func (f *inProcessFollower) AppendEntries(ctx context.Context, req *replication.AppendEntriesRequest) (*replication.AppendEntriesResult, error) {
	f.network.mu.RLock()
	db, ok := f.network.dbs[f.id]
	f.network.mu.RUnlock()
	if !ok {
		return nil, replication.ErrLogNotFound
	}
	follower, err := db.Follower(f.logID)
	if err != nil {
		return nil, err
	}
	return follower.AppendEntries(ctx, req)
}
