package replication

import (
	"context"
	"fmt"
	"sync"
)

// FollowerStatus is a snapshot of a follower's state.
type FollowerStatus struct {
	Participant ParticipantID `json:"participant"`
	Term        LogTerm       `json:"term"`
	Leader      ParticipantID `json:"leader,omitempty"`
	CommitIndex LogIndex      `json:"commitIndex"`
	Spearhead   TermIndexPair `json:"spearhead"`
	Resigned    bool          `json:"resigned"`
}

// LogFollower accepts AppendEntries from the leader of its term. It is itself an
// AbstractFollower, so in-process clusters can wire a leader straight to it.
type LogFollower struct {
	participantLock[struct{}]

	id       ParticipantID
	logID    LogID
	term     LogTerm
	leaderID ParticipantID

	// core is nil once the follower resigned
	core *LogCore
	log  *InMemoryLog

	commitIndex      LogIndex
	highestMessageID MessageID
	appendInFlight   bool

	// ctx scopes persistence; it is cancelled on resign
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  Logger
	metrics MetricsCollector
	clock   Clock
}

func newLogFollower(opts Options, core *LogCore, log *InMemoryLog, term LogTerm, leaderID ParticipantID) *LogFollower {
	ctx, cancel := context.WithCancel(context.Background())
	return &LogFollower{
		participantLock: newParticipantLock[struct{}](opts.Events),
		id:              opts.ParticipantID,
		logID:           core.LogID(),
		term:            term,
		leaderID:        leaderID,
		core:            core,
		log:             log,
		ctx:             ctx,
		cancel:          cancel,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		clock:           opts.Clock,
	}
}

func (f *LogFollower) ParticipantID() ParticipantID { return f.id }

func (f *LogFollower) role() Role { return RoleFollower }

func (f *LogFollower) prefix() string {
	return fmt.Sprintf("[FOLLOWER-%s] [LOG-%d] [TERM-%d]", f.id, f.logID, f.term)
}

// AppendEntries validates the request, persists its entries and reports the outcome.
// Protocol-level rejections are returned as results, never as errors.
func (f *LogFollower) AppendEntries(_ context.Context, req *AppendEntriesRequest) (*AppendEntriesResult, error) {
	f.lock()

	if f.core == nil {
		res := rejectResult(f.term, req.MessageID, ReasonLostLogCore)
		f.unlock()
		return res, nil
	}

	switch {
	case req.LeaderTerm < f.term:
		return f.rejectLocked(req, ReasonWrongTerm), nil
	case req.LeaderTerm > f.term:
		f.logger.Infof("%s New term %d with leader %s", f.prefix(), req.LeaderTerm, req.LeaderID)
		f.term = req.LeaderTerm
		f.leaderID = req.LeaderID
		f.highestMessageID = 0
	case f.leaderID == "":
		f.logger.Infof("%s Adopting leader %s", f.prefix(), req.LeaderID)
		f.leaderID = req.LeaderID
	case req.LeaderID != f.leaderID:
		return f.rejectLocked(req, ReasonInvalidLeaderID), nil
	}

	if req.MessageID <= f.highestMessageID {
		return f.rejectLocked(req, ReasonMessageOutdated), nil
	}
	if f.appendInFlight {
		return f.rejectLocked(req, ReasonPrevAppendEntriesInFlight), nil
	}
	if prev := req.PrevLogEntry; prev.Index > 0 {
		if term, ok := f.log.TermAt(prev.Index); !ok || term != prev.Term {
			return f.rejectLocked(req, ReasonNoPrevLogMatch), nil
		}
	}
	if err := checkEntries(req); err != nil {
		f.logger.Errorf("%s Refusing %s: %v", f.prefix(), req, err)
		return f.rejectLocked(req, ReasonPersistenceFailure), nil
	}

	// Entries already present with the same term are kept; the first conflicting one
	// and everything after it is replaced.
	skip := 0
	for skip < len(req.Entries) {
		e := req.Entries[skip]
		if term, ok := f.log.TermAt(e.Index); !ok || term != e.Term {
			break
		}
		skip++
	}
	toAppend := req.Entries[skip:]
	keep := req.PrevLogEntry.Index + LogIndex(skip)
	truncate := len(toAppend) > 0 && f.log.LastIndex() > keep
	if len(toAppend) > 0 && keep < f.commitIndex {
		f.logger.Errorf("%s Refusing %s: %v at %d, commit index is %d", f.prefix(), req, ErrTruncateCommitted, keep, f.commitIndex)
		return f.rejectLocked(req, ReasonPersistenceFailure), nil
	}

	f.appendInFlight = true
	f.highestMessageID = req.MessageID
	core := f.core
	f.wg.Add(1)
	f.unlock()

	truncated, err := f.persist(core, keep, truncate, toAppend, req.WaitForSync)

	defer f.wg.Done()
	f.lock()
	defer f.unlock()
	f.appendInFlight = false

	if truncated {
		f.log.Truncate(keep)
	}
	if err != nil {
		f.logger.Errorf("%s Failed to persist %s: %v", f.prefix(), req, err)
		f.metrics.RecordRejection(ReasonPersistenceFailure.String())
		return rejectResult(f.term, req.MessageID, ReasonPersistenceFailure), nil
	}
	now := f.clock.Now()
	for _, e := range toAppend {
		// cannot fail: the store accepted the same contiguous batch
		_ = f.log.Append(InMemoryLogEntry{Entry: e, InsertTime: now})
	}
	if f.core == nil {
		return rejectResult(f.term, req.MessageID, ReasonLostLogCore), nil
	}
	// a newer leader showed up while the entries were being persisted
	if f.term != req.LeaderTerm {
		f.logger.Infof("%s Persisted %s from a superseded term", f.prefix(), req)
		f.metrics.RecordRejection(ReasonWrongTerm.String())
		return rejectResult(f.term, req.MessageID, ReasonWrongTerm), nil
	}

	matched := req.LastIndex()
	if newCommit := min(req.LeaderCommit, matched); newCommit > f.commitIndex {
		f.commitIndex = newCommit
		f.releaseUpTo(newCommit, struct{}{})
		f.publish(Event{Kind: EventCommitAdvanced, LogID: f.logID, Participant: f.id, Role: RoleFollower,
			Term: f.term, Index: newCommit})
	}
	return successResult(f.term, req.MessageID, matched), nil
}

func (f *LogFollower) rejectLocked(req *AppendEntriesRequest, reason AppendEntriesErrorReason) *AppendEntriesResult {
	res := rejectResult(f.term, req.MessageID, reason)
	f.logger.Debugf("%s Rejecting %s: %s", f.prefix(), req, reason)
	f.unlock()
	f.metrics.RecordRejection(reason.String())
	return res
}

// checkEntries verifies that the entries directly follow PrevLogEntry and that no entry
// claims a term beyond the leader's.
func checkEntries(req *AppendEntriesRequest) error {
	for i, e := range req.Entries {
		if want := req.PrevLogEntry.Index + 1 + LogIndex(i); e.Index != want {
			return fmt.Errorf("%w: expected index %d, got %d", ErrNonContiguousAppend, want, e.Index)
		}
		if e.Term > req.LeaderTerm {
			return fmt.Errorf("%w: entry %d has term %d, leader term is %d", ErrEntryTermAhead, e.Index, e.Term, req.LeaderTerm)
		}
	}
	return nil
}

// persist runs without the lock and never touches follower state. truncated reports
// whether the store dropped the suffix beyond keep, even if the append then failed.
func (f *LogFollower) persist(core *LogCore, keep LogIndex, truncate bool, entries []PersistingLogEntry, waitForSync bool) (truncated bool, err error) {
	if truncate {
		if err := core.Truncate(f.ctx, keep); err != nil {
			return false, err
		}
	}
	return truncate, core.Append(f.ctx, entries, waitForSync)
}

// WaitFor blocks until the follower's commit index reaches index.
func (f *LogFollower) WaitFor(ctx context.Context, index LogIndex) error {
	f.lock()
	if f.core == nil {
		f.unlock()
		return ErrParticipantResigned
	}
	if index <= f.commitIndex {
		f.unlock()
		return nil
	}
	ch := f.await(index)
	f.unlock()
	_, err := wait(ctx, ch)
	return err
}

// WaitForIterator blocks until from is committed and returns the committed entries from there on.
func (f *LogFollower) WaitForIterator(ctx context.Context, from LogIndex) (LogIterator, error) {
	if from == 0 {
		from = 1
	}
	if err := f.WaitFor(ctx, from); err != nil {
		return nil, err
	}
	return f.Committed(from)
}

// Committed returns the committed entries with index >= from without waiting.
func (f *LogFollower) Committed(from LogIndex) (LogIterator, error) {
	f.lock()
	defer f.unlock()
	if f.core == nil {
		return nil, ErrParticipantResigned
	}
	return f.log.Iterator(from, f.commitIndex), nil
}

// ReadEntry returns the entry at index, committed or not.
func (f *LogFollower) ReadEntry(index LogIndex) (PersistingLogEntry, error) {
	f.lock()
	defer f.unlock()
	if f.core == nil {
		return PersistingLogEntry{}, ErrParticipantResigned
	}
	e, err := f.log.Get(index)
	if err != nil {
		return PersistingLogEntry{}, err
	}
	return e.Entry, nil
}

// CommitIndex returns the highest index the follower knows to be committed.
func (f *LogFollower) CommitIndex() LogIndex {
	f.lock()
	defer f.unlock()
	return f.commitIndex
}

func (f *LogFollower) GetStatus() FollowerStatus {
	f.lock()
	defer f.unlock()
	return FollowerStatus{
		Participant: f.id,
		Term:        f.term,
		Leader:      f.leaderID,
		CommitIndex: f.commitIndex,
		Spearhead:   f.log.LastTermIndexPair(),
		Resigned:    f.core == nil,
	}
}

// Resign stops the follower and hands back its log core once in-flight persistence has
// finished. Outstanding waiters fail with ErrParticipantResigned.
func (f *LogFollower) Resign() (*LogCore, error) {
	f.lock()
	if f.core == nil {
		f.unlock()
		return nil, ErrParticipantResigned
	}
	core := f.core
	f.core = nil
	f.cancel()
	f.releaseAll(ErrParticipantResigned)
	f.publish(Event{Kind: EventParticipantResigned, LogID: f.logID, Participant: f.id, Role: RoleFollower, Term: f.term})
	f.logger.Infof("%s Resigned", f.prefix())
	f.unlock()

	f.wg.Wait()
	return core, nil
}
