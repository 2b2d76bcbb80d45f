package replication

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// FollowerStatistics is the leader's view of one follower.
type FollowerStatistics struct {
	LastAckedIndex     LogIndex                 `json:"lastAckedIndex"`
	NextIndex          LogIndex                 `json:"nextIndex"`
	LastErrorReason    AppendEntriesErrorReason `json:"lastErrorReason"`
	LastRequestLatency time.Duration            `json:"lastRequestLatencyNs"`
	NumErrorsInRow     int                      `json:"numErrorsInRow"`
	Unreachable        bool                     `json:"unreachable"`
	InFlightMessageID  MessageID                `json:"inFlightMessageId,omitempty"`
}

// LeaderStatus is a snapshot of a leader's state.
type LeaderStatus struct {
	Participant         ParticipantID                        `json:"participant"`
	Term                LogTerm                              `json:"term"`
	Spearhead           TermIndexPair                        `json:"spearhead"`
	CommitIndex         LogIndex                             `json:"commitIndex"`
	LocalPersistedIndex LogIndex                             `json:"localPersistedIndex"`
	WriteConcern        int                                  `json:"writeConcern"`
	LastQuorum          *QuorumData                          `json:"lastQuorum,omitempty"`
	Followers           map[ParticipantID]FollowerStatistics `json:"followers"`
	Resigned            bool                                 `json:"resigned"`
}

// followerInfo is the leader-side replication state of one follower
type followerInfo struct {
	impl AbstractFollower

	matchIndex LogIndex
	nextIndex  LogIndex
	// lastSentCommitIndex is the leader commit index the follower has acknowledged
	lastSentCommitIndex LogIndex

	// inFlight covers both an outstanding request and a scheduled retry
	inFlight          bool
	inFlightMessageID MessageID
	retryTimer        Timer

	lastRequestTime    time.Time
	lastRequestLatency time.Duration
	lastErrorReason    AppendEntriesErrorReason
	numErrorsInRow     int
	unreachable        bool
}

// LogLeader replicates its log to a fixed set of followers and commits entries once
// WriteConcern participants, itself included, have persisted them.
type LogLeader struct {
	participantLock[*QuorumData]

	id           ParticipantID
	logID        LogID
	term         LogTerm
	config       LeaderConfig
	writeConcern int

	// core stays set after a step-down and is cleared by Resign
	core *LogCore
	log  *InMemoryLog

	followers []*followerInfo

	commitIndex         LogIndex
	lastQuorum          *QuorumData
	localPersistedIndex LogIndex
	localPersisting     bool
	messageCounter      MessageID

	// stopped is set by Resign and by a step-down after a higher term was observed
	stopped        bool
	heartbeatTimer Timer

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks local persistence, which must finish before the core changes hands
	wg sync.WaitGroup

	logger  Logger
	metrics MetricsCollector
	clock   Clock
}

func newLogLeader(opts Options, core *LogCore, log *InMemoryLog, term LogTerm, followers []AbstractFollower, config LeaderConfig) *LogLeader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &LogLeader{
		participantLock:     newParticipantLock[*QuorumData](opts.Events),
		id:                  opts.ParticipantID,
		logID:               core.LogID(),
		term:                term,
		config:              config,
		writeConcern:        config.effectiveWriteConcern(len(followers) + 1),
		core:                core,
		log:                 log,
		localPersistedIndex: log.LastIndex(),
		ctx:                 ctx,
		cancel:              cancel,
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		clock:               opts.Clock,
	}
	for _, f := range followers {
		l.followers = append(l.followers, &followerInfo{impl: f, nextIndex: log.LastIndex() + 1})
	}
	return l
}

// start kicks off replication of any inherited entries and arms the heartbeat.
func (l *LogLeader) start() {
	l.lock()
	defer l.unlock()
	l.logger.Infof("%s Leading with %d followers, write concern %d", l.prefix(), len(l.followers), l.writeConcern)
	l.replicateLocked(false)
	l.armHeartbeatLocked()
	// a leader without followers commits on local persistence alone
	l.checkCommitLocked()
}

func (l *LogLeader) ParticipantID() ParticipantID { return l.id }

func (l *LogLeader) role() Role { return RoleLeader }

func (l *LogLeader) prefix() string {
	return fmt.Sprintf("[LEADER-%s] [LOG-%d] [TERM-%d]", l.id, l.logID, l.term)
}

// Insert appends payload in the current term and returns its index. The entry is
// persisted and replicated in the background; use WaitFor to learn when it commits.
func (l *LogLeader) Insert(payload LogPayload) (LogIndex, error) {
	l.lock()
	defer l.unlock()
	if l.stopped {
		return 0, ErrParticipantResigned
	}
	if limit := l.config.MaxUnackedEntries; limit > 0 && l.log.LastIndex()-l.commitIndex >= LogIndex(limit) {
		return 0, fmt.Errorf("%w: %d entries await commit", ErrBackpressure, l.log.LastIndex()-l.commitIndex)
	}
	index := l.log.LastIndex() + 1
	entry := InMemoryLogEntry{
		Entry:      PersistingLogEntry{Term: l.term, Index: index, Payload: payload},
		InsertTime: l.clock.Now(),
	}
	if err := l.log.Append(entry); err != nil {
		return 0, err
	}
	l.metrics.RecordInsert()
	l.replicateLocked(false)
	return index, nil
}

// replicateLocked starts local persistence and sends a request to every idle follower
// that is behind, has not seen the current commit index, or is due a heartbeat.
func (l *LogLeader) replicateLocked(heartbeat bool) {
	last := l.log.LastIndex()
	if !l.localPersisting && last > l.localPersistedIndex {
		entries := persisting(l.log.Slice(l.localPersistedIndex+1, last+1))
		l.localPersisting = true
		l.wg.Add(1)
		go l.persistLocal(l.core, entries)
	}

	now := l.clock.Now()
	for _, f := range l.followers {
		if f.inFlight {
			continue
		}
		idle := heartbeat && now.Sub(f.lastRequestTime) >= l.config.HeartbeatInterval
		if f.matchIndex >= last && f.lastSentCommitIndex >= l.commitIndex && !idle {
			continue
		}
		req, err := l.buildRequestLocked(f)
		if err != nil {
			l.logger.Errorf("%s Cannot build request for %s: %v", l.prefix(), f.impl.ParticipantID(), err)
			continue
		}
		f.inFlight = true
		f.inFlightMessageID = req.MessageID
		f.lastRequestTime = now
		go l.sendAppendEntries(f, req)
	}
}

func (l *LogLeader) buildRequestLocked(f *followerInfo) (*AppendEntriesRequest, error) {
	prevIndex := f.nextIndex - 1
	prevTerm, ok := l.log.TermAt(prevIndex)
	if !ok {
		return nil, fmt.Errorf("%w: previous entry %d", ErrIndexOutOfRange, prevIndex)
	}
	end := f.nextIndex + LogIndex(l.config.MaxBatchEntries)
	l.messageCounter++
	return &AppendEntriesRequest{
		LeaderTerm:   l.term,
		LeaderID:     l.id,
		PrevLogEntry: TermIndexPair{Term: prevTerm, Index: prevIndex},
		Entries:      persisting(l.log.Slice(f.nextIndex, end)),
		LeaderCommit: l.commitIndex,
		MessageID:    l.messageCounter,
		WaitForSync:  l.config.WaitForSync,
	}, nil
}

// persistLocal writes entries to the leader's own store. The leader counts towards the
// quorum only for what this has confirmed.
func (l *LogLeader) persistLocal(core *LogCore, entries []PersistingLogEntry) {
	defer l.wg.Done()
	err := core.Append(l.ctx, entries, l.config.WaitForSync)

	l.lock()
	defer l.unlock()
	l.localPersisting = false
	if l.stopped {
		return
	}
	if err != nil {
		l.logger.Errorf("%s Local persistence failed, retrying: %v", l.prefix(), err)
		l.clock.AfterFunc(l.config.RetryBaseDelay, l.wakeup)
		return
	}
	l.localPersistedIndex = entries[len(entries)-1].Index
	l.checkCommitLocked()
	l.replicateLocked(false)
}

func (l *LogLeader) wakeup() {
	l.lock()
	defer l.unlock()
	if !l.stopped {
		l.replicateLocked(false)
	}
}

func (l *LogLeader) sendAppendEntries(f *followerInfo, req *AppendEntriesRequest) {
	if len(req.Entries) == 0 {
		l.metrics.RecordHeartbeat()
	} else {
		l.metrics.RecordAppendEntries()
	}
	start := l.clock.Now()
	res, err := f.impl.AppendEntries(l.ctx, req)
	latency := l.clock.Now().Sub(start)
	l.metrics.RecordRequestLatency(latency)

	l.lock()
	defer l.unlock()
	if l.stopped {
		return
	}
	f.lastRequestLatency = latency
	peer := f.impl.ParticipantID()

	if err != nil {
		f.numErrorsInRow++
		l.logger.Warnf("%s AppendEntries to %s failed (%d in a row): %v", l.prefix(), peer, f.numErrorsInRow, err)
		l.retryLocked(f, l.config.retryDelay(f.numErrorsInRow))
		return
	}
	if res.MessageID != req.MessageID {
		l.logger.Warnf("%s Response from %s echoes message %d, expected %d", l.prefix(), peer, res.MessageID, req.MessageID)
		l.retryLocked(f, l.config.RetryBaseDelay)
		return
	}

	f.lastErrorReason = res.Reason
	// a follower in a newer term has a newer leader, whatever it answered
	if res.LogTerm > l.term {
		if !res.IsSuccess() {
			l.metrics.RecordRejection(res.Reason.String())
		}
		l.logger.Warnf("%s Follower %s is in term %d, stepping down", l.prefix(), peer, res.LogTerm)
		l.publish(Event{Kind: EventLeaderSuperseded, LogID: l.logID, Participant: l.id, Role: RoleLeader, Term: res.LogTerm})
		l.stopLocked()
		return
	}
	if res.IsSuccess() {
		f.numErrorsInRow = 0
		f.unreachable = false
		f.matchIndex = max(f.matchIndex, req.LastIndex())
		f.nextIndex = f.matchIndex + 1
		f.lastSentCommitIndex = max(f.lastSentCommitIndex, req.LeaderCommit)
		f.inFlight = false
		f.inFlightMessageID = 0
		l.checkCommitLocked()
		l.replicateLocked(false)
		return
	}

	l.metrics.RecordRejection(res.Reason.String())
	switch res.Reason {
	case ReasonNoPrevLogMatch:
		// step back by one and retry right away
		f.numErrorsInRow = 0
		f.nextIndex = max(req.PrevLogEntry.Index, 1)
		f.matchIndex = min(f.matchIndex, f.nextIndex-1)
		f.inFlight = false
		f.inFlightMessageID = 0
		l.logger.Debugf("%s No match on %s at %s, next index %d", l.prefix(), peer, req.PrevLogEntry, f.nextIndex)
		l.replicateLocked(false)
	case ReasonWrongTerm:
		f.numErrorsInRow++
		l.retryLocked(f, l.config.retryDelay(f.numErrorsInRow))
	case ReasonMessageOutdated, ReasonPrevAppendEntriesInFlight:
		l.retryLocked(f, l.config.RetryBaseDelay)
	case ReasonInvalidLeaderID, ReasonLostLogCore:
		f.numErrorsInRow++
		if !f.unreachable {
			l.logger.Warnf("%s Follower %s rejected us (%s), marking unreachable", l.prefix(), peer, res.Reason)
		}
		f.unreachable = true
		l.retryLocked(f, l.config.retryDelay(f.numErrorsInRow))
	default:
		f.numErrorsInRow++
		l.logger.Warnf("%s Follower %s answered %s", l.prefix(), peer, res)
		l.retryLocked(f, l.config.retryDelay(f.numErrorsInRow))
	}
}

// retryLocked keeps f busy until the delay elapses, then lets it take part in replication again.
func (l *LogLeader) retryLocked(f *followerInfo, delay time.Duration) {
	f.inFlight = true
	f.inFlightMessageID = 0
	f.retryTimer = l.clock.AfterFunc(delay, func() {
		l.lock()
		defer l.unlock()
		if l.stopped {
			return
		}
		f.inFlight = false
		f.retryTimer = nil
		l.replicateLocked(false)
	})
}

func (l *LogLeader) armHeartbeatLocked() {
	if l.config.HeartbeatInterval <= 0 {
		return
	}
	l.heartbeatTimer = l.clock.AfterFunc(l.config.HeartbeatInterval, func() {
		l.lock()
		defer l.unlock()
		if l.stopped {
			return
		}
		l.replicateLocked(true)
		l.armHeartbeatLocked()
	})
}

// checkCommitLocked advances the commit index to the highest index persisted on at least
// writeConcern participants, provided that entry belongs to the current term.
func (l *LogLeader) checkCommitLocked() {
	type match struct {
		id    ParticipantID
		index LogIndex
	}
	matches := make([]match, 0, len(l.followers)+1)
	matches = append(matches, match{id: l.id, index: l.localPersistedIndex})
	for _, f := range l.followers {
		matches = append(matches, match{id: f.impl.ParticipantID(), index: f.matchIndex})
	}
	if l.writeConcern > len(matches) {
		return
	}
	slices.SortStableFunc(matches, func(a, b match) int {
		switch {
		case a.index > b.index:
			return -1
		case a.index < b.index:
			return 1
		default:
			return 0
		}
	})

	candidate := matches[l.writeConcern-1].index
	if candidate <= l.commitIndex {
		return
	}
	if term, ok := l.log.TermAt(candidate); !ok || term != l.term {
		return
	}

	quorum := make([]ParticipantID, 0, l.writeConcern)
	for _, m := range matches[:l.writeConcern] {
		quorum = append(quorum, m.id)
	}
	now := l.clock.Now()
	for _, e := range l.log.Slice(l.commitIndex+1, candidate+1) {
		l.metrics.RecordCommandCommitted()
		if e.Entry.Term == l.term && !e.InsertTime.IsZero() {
			l.metrics.RecordCommitLatency(now.Sub(e.InsertTime))
		}
	}

	l.commitIndex = candidate
	l.lastQuorum = &QuorumData{Term: l.term, Index: candidate, Quorum: quorum}
	l.logger.Debugf("%s Commit index %d, quorum %v", l.prefix(), candidate, quorum)
	l.releaseUpTo(candidate, l.lastQuorum)
	l.publish(Event{Kind: EventCommitAdvanced, LogID: l.logID, Participant: l.id, Role: RoleLeader,
		Term: l.term, Index: candidate, Quorum: quorum})
}

// WaitFor blocks until index is committed and returns the quorum of the commit that covered it.
func (l *LogLeader) WaitFor(ctx context.Context, index LogIndex) (*QuorumData, error) {
	l.lock()
	if l.stopped {
		l.unlock()
		return nil, ErrParticipantResigned
	}
	if index <= l.commitIndex {
		q := l.lastQuorum
		if q == nil {
			q = &QuorumData{Term: l.term}
		}
		l.unlock()
		return q, nil
	}
	ch := l.await(index)
	l.unlock()
	return wait(ctx, ch)
}

// WaitForIterator blocks until from is committed and returns the committed entries from there on.
func (l *LogLeader) WaitForIterator(ctx context.Context, from LogIndex) (LogIterator, error) {
	if from == 0 {
		from = 1
	}
	if _, err := l.WaitFor(ctx, from); err != nil {
		return nil, err
	}
	return l.Committed(from)
}

// Committed returns the committed entries with index >= from without waiting.
func (l *LogLeader) Committed(from LogIndex) (LogIterator, error) {
	l.lock()
	defer l.unlock()
	if l.core == nil {
		return nil, ErrParticipantResigned
	}
	return l.log.Iterator(from, l.commitIndex), nil
}

// ReadEntry returns the entry at index, committed or not.
func (l *LogLeader) ReadEntry(index LogIndex) (PersistingLogEntry, error) {
	l.lock()
	defer l.unlock()
	if l.core == nil {
		return PersistingLogEntry{}, ErrParticipantResigned
	}
	e, err := l.log.Get(index)
	if err != nil {
		return PersistingLogEntry{}, err
	}
	return e.Entry, nil
}

func (l *LogLeader) CommitIndex() LogIndex {
	l.lock()
	defer l.unlock()
	return l.commitIndex
}

func (l *LogLeader) GetStatus() LeaderStatus {
	l.lock()
	defer l.unlock()
	status := LeaderStatus{
		Participant:         l.id,
		Term:                l.term,
		Spearhead:           l.log.LastTermIndexPair(),
		CommitIndex:         l.commitIndex,
		LocalPersistedIndex: l.localPersistedIndex,
		WriteConcern:        l.writeConcern,
		Followers:           make(map[ParticipantID]FollowerStatistics, len(l.followers)),
		Resigned:            l.stopped,
	}
	if l.lastQuorum != nil {
		q := *l.lastQuorum
		status.LastQuorum = &q
	}
	for _, f := range l.followers {
		status.Followers[f.impl.ParticipantID()] = FollowerStatistics{
			LastAckedIndex:     f.matchIndex,
			NextIndex:          f.nextIndex,
			LastErrorReason:    f.lastErrorReason,
			LastRequestLatency: f.lastRequestLatency,
			NumErrorsInRow:     f.numErrorsInRow,
			Unreachable:        f.unreachable,
			InFlightMessageID:  f.inFlightMessageID,
		}
	}
	return status
}

// stopLocked ends leadership: timers stop, requests are cancelled and their callbacks
// become no-ops, and waiters fail with ErrParticipantResigned.
func (l *LogLeader) stopLocked() {
	if l.stopped {
		return
	}
	l.stopped = true
	l.cancel()
	if l.heartbeatTimer != nil {
		l.heartbeatTimer.Stop()
	}
	for _, f := range l.followers {
		if f.retryTimer != nil {
			f.retryTimer.Stop()
		}
	}
	l.releaseAll(ErrParticipantResigned)
	l.publish(Event{Kind: EventParticipantResigned, LogID: l.logID, Participant: l.id, Role: RoleLeader, Term: l.term})
	l.logger.Infof("%s Resigned", l.prefix())
}

// Resign ends leadership and returns the log core once local persistence has drained.
func (l *LogLeader) Resign() (*LogCore, error) {
	l.lock()
	if l.core == nil {
		l.unlock()
		return nil, ErrParticipantResigned
	}
	core := l.core
	l.core = nil
	l.stopLocked()
	l.unlock()

	l.wg.Wait()
	return core, nil
}
