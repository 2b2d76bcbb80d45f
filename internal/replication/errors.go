package replication

import "errors"

var (
	ErrParticipantResigned = errors.New("participant resigned")
	ErrBackpressure        = errors.New("too many unacknowledged entries")
	ErrNonContiguousAppend = errors.New("appended entries do not continue the log")
	ErrEntryTermAhead      = errors.New("entry term is newer than the leader term")
	ErrTruncateCommitted   = errors.New("refusing to truncate committed entries")
	ErrIndexOutOfRange     = errors.New("log index out of range")
	ErrStaleTerm           = errors.New("term is not newer than the configured term")
	ErrLogDropped          = errors.New("replicated log dropped")
	ErrLostLogCore         = errors.New("log core no longer owned by the participant")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrNotLeader           = errors.New("participant is not a leader")
	ErrNotFollower         = errors.New("participant is not a follower")
	ErrLogNotFound         = errors.New("replicated log not found")
	ErrLogExists           = errors.New("replicated log already exists")
)
