package replication

import (
	"context"
	"fmt"
)

// ErrorCode is the coarse outcome of an AppendEntries request. Zero means success.
type ErrorCode int

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeReplicationRejected
	ErrorCodePersistenceFailed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeReplicationRejected:
		return "replication_rejected"
	case ErrorCodePersistenceFailed:
		return "persistence_failed"
	default:
		return "unknown"
	}
}

// AppendEntriesErrorReason explains why a follower rejected a request.
type AppendEntriesErrorReason int

const (
	ReasonNone AppendEntriesErrorReason = iota
	ReasonInvalidLeaderID
	ReasonLostLogCore
	ReasonMessageOutdated
	ReasonWrongTerm
	ReasonNoPrevLogMatch
	ReasonPrevAppendEntriesInFlight
	ReasonPersistenceFailure
)

func (r AppendEntriesErrorReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonInvalidLeaderID:
		return "InvalidLeaderId"
	case ReasonLostLogCore:
		return "LostLogCore"
	case ReasonMessageOutdated:
		return "MessageOutdated"
	case ReasonWrongTerm:
		return "WrongTerm"
	case ReasonNoPrevLogMatch:
		return "NoPrevLogMatch"
	case ReasonPrevAppendEntriesInFlight:
		return "PrevAppendEntriesInFlight"
	case ReasonPersistenceFailure:
		return "PersistenceFailure"
	default:
		return "Unknown"
	}
}

func (r AppendEntriesErrorReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *AppendEntriesErrorReason) UnmarshalText(text []byte) error {
	for reason := ReasonNone; reason <= ReasonPersistenceFailure; reason++ {
		if reason.String() == string(text) {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown append entries error reason %q", text)
}

// AppendEntriesRequest carries entries and the leader's commit index to one follower.
// An empty Entries slice is a heartbeat.
type AppendEntriesRequest struct {
	LeaderTerm   LogTerm
	LeaderID     ParticipantID
	PrevLogEntry TermIndexPair
	Entries      []PersistingLogEntry
	LeaderCommit LogIndex
	MessageID    MessageID
	WaitForSync  bool
}

// LastIndex is the index of the last entry covered by the request.
func (r *AppendEntriesRequest) LastIndex() LogIndex {
	return r.PrevLogEntry.Index + LogIndex(len(r.Entries))
}

func (r *AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntries{term=%d leader=%s prev=%s entries=%d commit=%d msg=%d}",
		r.LeaderTerm, r.LeaderID, r.PrevLogEntry, len(r.Entries), r.LeaderCommit, r.MessageID)
}

// AppendEntriesResult is the follower's answer. MessageID always echoes the request.
type AppendEntriesResult struct {
	LogTerm        LogTerm
	ErrorCode      ErrorCode
	Reason         AppendEntriesErrorReason
	MessageID      MessageID
	LastAckedIndex LogIndex
}

// IsSuccess reports whether the follower accepted the request.
func (r *AppendEntriesResult) IsSuccess() bool {
	return r.ErrorCode == ErrorCodeNone
}

func (r *AppendEntriesResult) String() string {
	if r.IsSuccess() {
		return fmt.Sprintf("AppendEntriesResult{ok term=%d msg=%d acked=%d}", r.LogTerm, r.MessageID, r.LastAckedIndex)
	}
	return fmt.Sprintf("AppendEntriesResult{%s reason=%s term=%d msg=%d}", r.ErrorCode, r.Reason, r.LogTerm, r.MessageID)
}

func successResult(term LogTerm, id MessageID, lastAcked LogIndex) *AppendEntriesResult {
	return &AppendEntriesResult{LogTerm: term, MessageID: id, LastAckedIndex: lastAcked}
}

func rejectResult(term LogTerm, id MessageID, reason AppendEntriesErrorReason) *AppendEntriesResult {
	code := ErrorCodeReplicationRejected
	if reason == ReasonPersistenceFailure {
		code = ErrorCodePersistenceFailed
	}
	return &AppendEntriesResult{LogTerm: term, ErrorCode: code, Reason: reason, MessageID: id}
}

// AbstractFollower is the leader's view of a follower: something that accepts AppendEntries.
// A returned error means the request may or may not have arrived; the leader retries.
type AbstractFollower interface {
	ParticipantID() ParticipantID
	AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResult, error)
}
