package replication

import (
	"fmt"
	"time"
)

// LogTerm is the epoch of a leadership regime. Zero means "no term".
type LogTerm uint64

// LogIndex is a position in the log, starting at 1. Zero means "before the first entry".
type LogIndex uint64

// LogID identifies one replicated log.
type LogID uint64

// MessageID is the per-leader sequence number of an AppendEntries request.
type MessageID uint64

// ParticipantID is an opaque, stable name of a process taking part in replication.
type ParticipantID string

// LogPayload is the application data carried by a single entry.
type LogPayload []byte

// TermIndexPair identifies an entry by term and index. Pairs are ordered by term first.
type TermIndexPair struct {
	Term  LogTerm  `json:"term"`
	Index LogIndex `json:"index"`
}

// Less reports whether p sorts before other.
func (p TermIndexPair) Less(other TermIndexPair) bool {
	if p.Term != other.Term {
		return p.Term < other.Term
	}
	return p.Index < other.Index
}

func (p TermIndexPair) String() string {
	return fmt.Sprintf("(%d:%d)", p.Term, p.Index)
}

// PersistingLogEntry is the durable form of an entry.
type PersistingLogEntry struct {
	Term    LogTerm
	Index   LogIndex
	Payload LogPayload
}

// TermIndexPair returns the position of the entry.
func (e PersistingLogEntry) TermIndexPair() TermIndexPair {
	return TermIndexPair{Term: e.Term, Index: e.Index}
}

// InMemoryLogEntry wraps a persisting entry with bookkeeping that never reaches disk.
type InMemoryLogEntry struct {
	Entry      PersistingLogEntry
	InsertTime time.Time
}

// QuorumData records which participants caused Index to commit in Term.
type QuorumData struct {
	Term   LogTerm         `json:"term"`
	Index  LogIndex        `json:"index"`
	Quorum []ParticipantID `json:"quorum"`
}

// Role is the part a participant plays for one log.
type Role int

const (
	RoleUnconfigured Role = iota
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleUnconfigured:
		return "Unconfigured"
	case RoleLeader:
		return "Leader"
	case RoleFollower:
		return "Follower"
	default:
		return "Unknown"
	}
}

// MarshalText renders the role as its name, so JSON status output stays readable.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	for role := RoleUnconfigured; role <= RoleFollower; role++ {
		if role.String() == string(text) {
			*r = role
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", text)
}
