package replication

// EventKind classifies the structured events a participant emits.
type EventKind int

const (
	EventRoleChanged EventKind = iota + 1
	EventCommitAdvanced
	EventLeaderSuperseded
	EventParticipantResigned
)

func (k EventKind) String() string {
	switch k {
	case EventRoleChanged:
		return "RoleChanged"
	case EventCommitAdvanced:
		return "CommitAdvanced"
	case EventLeaderSuperseded:
		return "LeaderSuperseded"
	case EventParticipantResigned:
		return "ParticipantResigned"
	default:
		return "Unknown"
	}
}

// Event describes a state change of a participant. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	LogID       LogID
	Participant ParticipantID
	Role        Role
	Term        LogTerm
	Index       LogIndex
	Quorum      []ParticipantID
}

// EventSink receives events after the participant lock has been released.
type EventSink interface {
	Emit(ev Event)
}

type discardEvents struct{}

func (discardEvents) Emit(Event) {}
