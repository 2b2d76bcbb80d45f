package replication

import (
	"errors"
	"fmt"
	"sync"
)

// Participant is the role-specific object a ReplicatedLog currently holds: a *LogLeader,
// a *LogFollower or a *LogUnconfigured.
type Participant interface {
	ParticipantID() ParticipantID
	Resign() (*LogCore, error)
	role() Role
}

// LogUnconfigured holds the log core until a term is configured.
type LogUnconfigured struct {
	mu   sync.Mutex
	id   ParticipantID
	core *LogCore
}

func (u *LogUnconfigured) ParticipantID() ParticipantID { return u.id }

func (u *LogUnconfigured) role() Role { return RoleUnconfigured }

func (u *LogUnconfigured) Resign() (*LogCore, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.core == nil {
		return nil, ErrParticipantResigned
	}
	core := u.core
	u.core = nil
	return core, nil
}

// LogStatus is the status of a replicated log; exactly one of Leader and Follower is set
// unless the log is unconfigured.
type LogStatus struct {
	LogID    LogID           `json:"logId"`
	Role     Role            `json:"role"`
	Term     LogTerm         `json:"term"`
	Leader   *LeaderStatus   `json:"leader,omitempty"`
	Follower *FollowerStatus `json:"follower,omitempty"`
}

// LeaderOptions configures a new leadership term.
type LeaderOptions struct {
	Term      LogTerm
	Followers []AbstractFollower
	Config    LeaderConfig
}

// ReplicatedLog owns the single active participant of one log and performs role
// transitions. A transition resigns the current participant first, so any handle to it
// fails with ErrParticipantResigned from then on.
type ReplicatedLog struct {
	mu          sync.Mutex
	logID       LogID
	opts        Options
	participant Participant
	// term is the last configured term; zero while unconfigured
	term    LogTerm
	dropped bool
}

func NewReplicatedLog(core *LogCore, opts Options) *ReplicatedLog {
	opts = opts.withDefaults()
	return &ReplicatedLog{
		logID:       core.LogID(),
		opts:        opts,
		participant: &LogUnconfigured{id: opts.ParticipantID, core: core},
	}
}

func (r *ReplicatedLog) LogID() LogID { return r.logID }

// BecomeLeader makes the local participant leader of opts.Term.
func (r *ReplicatedLog) BecomeLeader(opts LeaderOptions) (*LogLeader, error) {
	if err := opts.Config.Validate(len(opts.Followers) + 1); err != nil {
		return nil, err
	}
	r.mu.Lock()
	core, log, err := r.transitionLocked(opts.Term)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	leader := newLogLeader(r.opts, core, log, opts.Term, opts.Followers, opts.Config)
	r.installLocked(leader, opts.Term)
	r.mu.Unlock()

	leader.start()
	return leader, nil
}

// BecomeFollower makes the local participant a follower in term. An empty leaderID
// means the leader is adopted from its first request.
func (r *ReplicatedLog) BecomeFollower(term LogTerm, leaderID ParticipantID) (*LogFollower, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	core, log, err := r.transitionLocked(term)
	if err != nil {
		return nil, err
	}
	follower := newLogFollower(r.opts, core, log, term, leaderID)
	r.installLocked(follower, term)
	r.opts.Logger.Infof("%s Following %q", follower.prefix(), leaderID)
	return follower, nil
}

// transitionLocked resigns the current participant and prepares its core for the next one.
func (r *ReplicatedLog) transitionLocked(term LogTerm) (*LogCore, *InMemoryLog, error) {
	if r.dropped {
		return nil, nil, ErrLogDropped
	}
	if r.term != 0 && term <= r.term {
		return nil, nil, fmt.Errorf("%w: %d <= %d", ErrStaleTerm, term, r.term)
	}
	core, err := r.participant.Resign()
	if errors.Is(err, ErrParticipantResigned) {
		return nil, nil, fmt.Errorf("log %d: %w", r.logID, ErrLostLogCore)
	}
	if err != nil {
		return nil, nil, err
	}
	log, err := core.loadInMemoryLog()
	if err != nil {
		r.participant = &LogUnconfigured{id: r.opts.ParticipantID, core: core}
		return nil, nil, err
	}
	return core, log, nil
}

func (r *ReplicatedLog) installLocked(p Participant, term LogTerm) {
	r.participant = p
	r.term = term
	r.opts.Events.Emit(Event{Kind: EventRoleChanged, LogID: r.logID, Participant: r.opts.ParticipantID,
		Role: p.role(), Term: term})
}

// Participant returns the current participant; type-switch on it for the role.
func (r *ReplicatedLog) Participant() (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped {
		return nil, ErrLogDropped
	}
	return r.participant, nil
}

// Leader returns the current participant if it is a leader.
func (r *ReplicatedLog) Leader() (*LogLeader, error) {
	p, err := r.Participant()
	if err != nil {
		return nil, err
	}
	leader, ok := p.(*LogLeader)
	if !ok {
		return nil, ErrNotLeader
	}
	return leader, nil
}

// Follower returns the current participant if it is a follower.
func (r *ReplicatedLog) Follower() (*LogFollower, error) {
	p, err := r.Participant()
	if err != nil {
		return nil, err
	}
	follower, ok := p.(*LogFollower)
	if !ok {
		return nil, ErrNotFollower
	}
	return follower, nil
}

func (r *ReplicatedLog) Status() (LogStatus, error) {
	p, err := r.Participant()
	if err != nil {
		return LogStatus{}, err
	}
	status := LogStatus{LogID: r.logID, Role: p.role()}
	switch p := p.(type) {
	case *LogLeader:
		s := p.GetStatus()
		status.Term = s.Term
		status.Leader = &s
	case *LogFollower:
		s := p.GetStatus()
		status.Term = s.Term
		status.Follower = &s
	}
	return status, nil
}

// Drop resigns the current participant and returns the core. The log accepts no further
// transitions.
func (r *ReplicatedLog) Drop() (*LogCore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped {
		return nil, ErrLogDropped
	}
	core, err := r.participant.Resign()
	if err != nil {
		return nil, fmt.Errorf("log %d: %w", r.logID, ErrLostLogCore)
	}
	r.dropped = true
	r.participant = nil
	r.opts.Logger.Infof("[LOG-%d] Dropped", r.logID)
	return core, nil
}
