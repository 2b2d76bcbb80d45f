package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/statemachine"
)

// ErrUnconfigured is returned for reads on a log whose participant has no term yet.
var ErrUnconfigured = errors.New("log has no configured participant")

// DefaultInsertTimeout bounds how long Insert waits for the commit of a new entry.
const DefaultInsertTimeout = 5 * time.Second

// StorageProvider opens the persisted log behind a replicated log, creating it if needed.
type StorageProvider interface {
	OpenLog(id replication.LogID) (replication.PersistedLog, error)
}

// LogLister is implemented by providers that can enumerate the logs they hold.
type LogLister interface {
	LogIDs() ([]replication.LogID, error)
}

// FollowerFactory returns the AbstractFollower a leader uses to reach a remote participant.
type FollowerFactory func(participant replication.ParticipantID, logID replication.LogID) replication.AbstractFollower

// TermConfig overrides parts of the database's leader defaults for a single term.
type TermConfig struct {
	WriteConcern int  `json:"writeConcern"`
	WaitForSync  bool `json:"waitForSync"`
}

// TermSpec is the configuration of one term of a log. The local participant leads when
// Leader names it and follows otherwise. Participants lists every member, leader included.
type TermSpec struct {
	Term         replication.LogTerm         `json:"term"`
	Leader       replication.ParticipantID   `json:"leader"`
	Participants []replication.ParticipantID `json:"participants"`
	Config       *TermConfig                 `json:"config,omitempty"`
}

// InsertResult reports where a payload landed and which quorum committed it.
type InsertResult struct {
	Index  replication.LogIndex    `json:"index"`
	Term   replication.LogTerm     `json:"term"`
	Quorum *replication.QuorumData `json:"quorum"`
}

// Options configures a Database.
type Options struct {
	// Participant is the id of the local process in every log.
	Participant    replication.ParticipantID
	Storage        StorageProvider
	Followers      FollowerFactory
	LeaderDefaults replication.LeaderConfig
	InsertTimeout  time.Duration

	Logger  replication.Logger
	Metrics replication.MetricsCollector
	Events  replication.EventSink
	Clock   replication.Clock
}

// hostedLog is one replicated log together with the state machine fed from it
type hostedLog struct {
	// mu serializes transitions so the applier always tails the current participant
	mu      sync.Mutex
	log     *replication.ReplicatedLog
	kv      *statemachine.KVStateMachine
	applier *statemachine.Applier
	stop    context.CancelFunc
	// done is closed when the current applier goroutine returned
	done chan struct{}
}

// Database is the registry of the replicated logs hosted by this process.
type Database struct {
	opts Options
	logs *skipmap.FuncMap[replication.LogID, *hostedLog]
	// wg tracks applier goroutines
	wg sync.WaitGroup
}

func New(opts Options) *Database {
	if opts.InsertTimeout <= 0 {
		opts.InsertTimeout = DefaultInsertTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.LeaderDefaults.MaxBatchEntries == 0 {
		opts.LeaderDefaults = replication.DefaultLeaderConfig()
	}
	return &Database{
		opts: opts,
		logs: skipmap.NewFunc[replication.LogID, *hostedLog](func(a, b replication.LogID) bool { return a < b }),
	}
}

func (d *Database) Participant() replication.ParticipantID { return d.opts.Participant }

func (d *Database) logf() replication.Logger { return d.opts.Logger }

// Recover registers every log the storage provider already holds.
func (d *Database) Recover() error {
	lister, ok := d.opts.Storage.(LogLister)
	if !ok {
		return nil
	}
	ids, err := lister.LogIDs()
	if err != nil {
		return fmt.Errorf("list persisted logs: %w", err)
	}
	for _, id := range ids {
		if err := d.CreateLog(id); err != nil && !errors.Is(err, replication.ErrLogExists) {
			return err
		}
	}
	if len(ids) > 0 {
		d.logf().Infof("[DATABASE-%s] Recovered %d logs", d.opts.Participant, len(ids))
	}
	return nil
}

// CreateLog opens the persisted log id and registers it unconfigured.
func (d *Database) CreateLog(id replication.LogID) error {
	if _, ok := d.logs.Load(id); ok {
		return fmt.Errorf("log %d: %w", id, replication.ErrLogExists)
	}
	persisted, err := d.opts.Storage.OpenLog(id)
	if err != nil {
		return fmt.Errorf("open log %d: %w", id, err)
	}
	h := &hostedLog{
		log: replication.NewReplicatedLog(replication.NewLogCore(persisted), replication.Options{
			ParticipantID: d.opts.Participant,
			Logger:        d.opts.Logger,
			Metrics:       d.opts.Metrics,
			Clock:         d.opts.Clock,
			Events:        d.opts.Events,
		}),
		kv: statemachine.NewKVStateMachine(d.opts.Participant, d.opts.Logger),
	}
	h.applier = statemachine.NewApplier(h.kv)
	if _, loaded := d.logs.LoadOrStore(id, h); loaded {
		return fmt.Errorf("log %d: %w", id, replication.ErrLogExists)
	}
	d.logf().Infof("[DATABASE-%s] Created log %d", d.opts.Participant, id)
	return nil
}

func (d *Database) get(id replication.LogID) (*hostedLog, error) {
	h, ok := d.logs.Load(id)
	if !ok {
		return nil, fmt.Errorf("log %d: %w", id, replication.ErrLogNotFound)
	}
	return h, nil
}

// DropLog resigns the log's participant and deletes its persisted entries.
func (d *Database) DropLog(id replication.LogID) error {
	h, ok := d.logs.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("log %d: %w", id, replication.ErrLogNotFound)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopApplier()
	core, err := h.log.Drop()
	if err != nil {
		return err
	}
	if err := core.Drop(); err != nil {
		return fmt.Errorf("drop persisted log %d: %w", id, err)
	}
	d.logf().Infof("[DATABASE-%s] Dropped log %d", d.opts.Participant, id)
	return nil
}

// SetTerm moves the log into spec.Term, leading when spec.Leader is the local participant.
func (d *Database) SetTerm(id replication.LogID, spec TermSpec) (replication.LogStatus, error) {
	if spec.Leader == d.opts.Participant {
		return d.BecomeLeader(id, spec.Term, spec.Participants, spec.Config)
	}
	return d.BecomeFollower(id, spec.Term, spec.Leader)
}

// BecomeLeader makes the local participant leader of term, replicating to every other member
// of participants.
func (d *Database) BecomeLeader(id replication.LogID, term replication.LogTerm, participants []replication.ParticipantID, overrides *TermConfig) (replication.LogStatus, error) {
	h, err := d.get(id)
	if err != nil {
		return replication.LogStatus{}, err
	}
	cfg := d.opts.LeaderDefaults
	if overrides != nil {
		cfg.WriteConcern = overrides.WriteConcern
		cfg.WaitForSync = overrides.WaitForSync
	}
	var followers []replication.AbstractFollower
	seen := map[replication.ParticipantID]bool{d.opts.Participant: true}
	for _, p := range participants {
		if seen[p] {
			continue
		}
		seen[p] = true
		if d.opts.Followers == nil {
			return replication.LogStatus{}, fmt.Errorf("%w: no transport to reach participant %s", replication.ErrInvalidConfig, p)
		}
		followers = append(followers, d.opts.Followers(p, id))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	leader, err := h.log.BecomeLeader(replication.LeaderOptions{Term: term, Followers: followers, Config: cfg})
	if err != nil {
		return replication.LogStatus{}, err
	}
	d.startApplier(h, leader)
	return h.log.Status()
}

// BecomeFollower makes the local participant follow leader in term. An empty leader is
// adopted from the first request of the term.
func (d *Database) BecomeFollower(id replication.LogID, term replication.LogTerm, leader replication.ParticipantID) (replication.LogStatus, error) {
	h, err := d.get(id)
	if err != nil {
		return replication.LogStatus{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	follower, err := h.log.BecomeFollower(term, leader)
	if err != nil {
		return replication.LogStatus{}, err
	}
	d.startApplier(h, follower)
	return h.log.Status()
}

func (d *Database) startApplier(h *hostedLog, source statemachine.CommittedSource) {
	h.stopApplier()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.stop, h.done = cancel, done
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		err := h.applier.Run(ctx, source)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, replication.ErrParticipantResigned) {
			d.logf().Errorf("[DATABASE-%s] Applier of log %d stopped: %v", d.opts.Participant, h.log.LogID(), err)
		}
	}()
}

// stopApplier cancels the running applier and waits until it returned, so that
// no two loops feed the state machine at once.
func (h *hostedLog) stopApplier() {
	if h.stop == nil {
		return
	}
	h.stop()
	<-h.done
	h.stop, h.done = nil, nil
}

func (d *Database) Status(id replication.LogID) (replication.LogStatus, error) {
	h, err := d.get(id)
	if err != nil {
		return replication.LogStatus{}, err
	}
	return h.log.Status()
}

// List returns the status of every log in ascending id order.
func (d *Database) List() []replication.LogStatus {
	out := make([]replication.LogStatus, 0, d.logs.Len())
	d.logs.Range(func(id replication.LogID, h *hostedLog) bool {
		if status, err := h.log.Status(); err == nil {
			out = append(out, status)
		}
		return true
	})
	return out
}

// Insert appends payload on the local leader and waits for its commit.
func (d *Database) Insert(ctx context.Context, id replication.LogID, payload replication.LogPayload) (InsertResult, error) {
	h, err := d.get(id)
	if err != nil {
		return InsertResult{}, err
	}
	leader, err := h.log.Leader()
	if err != nil {
		return InsertResult{}, err
	}
	index, err := leader.Insert(payload)
	if err != nil {
		return InsertResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.InsertTimeout)
	defer cancel()
	quorum, err := leader.WaitFor(ctx, index)
	if err != nil {
		return InsertResult{Index: index}, fmt.Errorf("wait for commit of %d: %w", index, err)
	}
	return InsertResult{Index: index, Term: quorum.Term, Quorum: quorum}, nil
}

// reader is what leaders and followers both offer for reads
type reader interface {
	Committed(from replication.LogIndex) (replication.LogIterator, error)
	ReadEntry(index replication.LogIndex) (replication.PersistingLogEntry, error)
}

func (d *Database) participantReader(id replication.LogID) (reader, error) {
	h, err := d.get(id)
	if err != nil {
		return nil, err
	}
	p, err := h.log.Participant()
	if err != nil {
		return nil, err
	}
	r, ok := p.(reader)
	if !ok {
		return nil, fmt.Errorf("log %d: %w", id, ErrUnconfigured)
	}
	return r, nil
}

// Tail returns the committed entries with index >= from, as known to the local participant.
func (d *Database) Tail(id replication.LogID, from replication.LogIndex) ([]replication.PersistingLogEntry, error) {
	r, err := d.participantReader(id)
	if err != nil {
		return nil, err
	}
	it, err := r.Committed(from)
	if err != nil {
		return nil, err
	}
	return replication.Collect(it), nil
}

// ReadEntry returns one entry of the local log, committed or not.
func (d *Database) ReadEntry(id replication.LogID, index replication.LogIndex) (replication.PersistingLogEntry, error) {
	r, err := d.participantReader(id)
	if err != nil {
		return replication.PersistingLogEntry{}, err
	}
	return r.ReadEntry(index)
}

// Follower returns the local follower of a log, for the replication transport.
func (d *Database) Follower(id replication.LogID) (replication.AbstractFollower, error) {
	h, err := d.get(id)
	if err != nil {
		return nil, err
	}
	f, err := h.log.Follower()
	if err != nil {
		return nil, err
	}
	return f, nil
}

// KV returns the value of key in the state machine of a log.
func (d *Database) KV(id replication.LogID, key string) (string, bool, error) {
	h, err := d.get(id)
	if err != nil {
		return "", false, err
	}
	value, ok := h.kv.Get(key)
	return value, ok, nil
}

// AppliedIndex returns the last index applied to the state machine of a log.
func (d *Database) AppliedIndex(id replication.LogID) (replication.LogIndex, error) {
	h, err := d.get(id)
	if err != nil {
		return 0, err
	}
	return h.applier.AppliedIndex(), nil
}

// Close resigns every participant and waits for the appliers. Persisted logs stay intact.
func (d *Database) Close() {
	var ids []replication.LogID
	d.logs.Range(func(id replication.LogID, h *hostedLog) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		h, ok := d.logs.LoadAndDelete(id)
		if !ok {
			continue
		}
		h.mu.Lock()
		h.stopApplier()
		if _, err := h.log.Drop(); err != nil {
			d.logf().Warnf("[DATABASE-%s] Closing log %d: %v", d.opts.Participant, id, err)
		}
		h.mu.Unlock()
	}
	d.wg.Wait()
}
