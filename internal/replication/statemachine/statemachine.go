package statemachine

import "replicatedlog/internal/replication"

// StateMachine consumes committed log entries in index order. It is inspired from the FSM
// interface defined in [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go)
type StateMachine interface {
	Apply(entries []replication.PersistingLogEntry)
}
