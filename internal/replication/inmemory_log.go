package replication

import "fmt"

// InMemoryLog mirrors the persisted log of a participant. It is not safe for concurrent
// use; the owning participant guards it with its lock.
//
// Slices handed out by Slice stay valid after later truncations: a truncation drops the
// spare capacity, so subsequent appends never write into memory an older view can see.
type InMemoryLog struct {
	// first is the index of entries[0], or the index the next append must carry when empty
	first   LogIndex
	entries []InMemoryLogEntry
}

// NewInMemoryLog builds a log window starting at first. Pass first = 1 for a log without compaction.
func NewInMemoryLog(first LogIndex) *InMemoryLog {
	if first == 0 {
		first = 1
	}
	return &InMemoryLog{first: first}
}

// LoadInMemoryLog builds the window from a persisted iterator.
func LoadInMemoryLog(it LogIterator) (*InMemoryLog, error) {
	l := NewInMemoryLog(1)
	e, ok := it.Next()
	if !ok {
		return l, nil
	}
	l.first = e.Index
	for ; ok; e, ok = it.Next() {
		if err := l.Append(InMemoryLogEntry{Entry: e}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// FirstIndex is the index of the oldest entry held.
func (l *InMemoryLog) FirstIndex() LogIndex {
	return l.first
}

// LastIndex is the index of the newest entry, or FirstIndex()-1 when the log is empty.
func (l *InMemoryLog) LastIndex() LogIndex {
	return l.first + LogIndex(len(l.entries)) - 1
}

// LastTermIndexPair returns the position of the newest entry, (0,0) on an empty log.
func (l *InMemoryLog) LastTermIndexPair() TermIndexPair {
	if len(l.entries) == 0 {
		return TermIndexPair{}
	}
	return l.entries[len(l.entries)-1].Entry.TermIndexPair()
}

// Len returns the number of entries held.
func (l *InMemoryLog) Len() int {
	return len(l.entries)
}

// Append adds entries at the tail. Each entry must carry the next index.
func (l *InMemoryLog) Append(entries ...InMemoryLogEntry) error {
	next := l.LastIndex() + 1
	for _, e := range entries {
		if e.Entry.Index != next {
			return fmt.Errorf("%w: expected index %d, got %d", ErrNonContiguousAppend, next, e.Entry.Index)
		}
		next++
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// Truncate drops every entry with an index greater than beyond.
func (l *InMemoryLog) Truncate(beyond LogIndex) {
	if beyond >= l.LastIndex() {
		return
	}
	keep := 0
	if beyond >= l.first {
		keep = int(beyond - l.first + 1)
	}
	l.entries = l.entries[:keep:keep]
}

// Get returns the entry at index.
func (l *InMemoryLog) Get(index LogIndex) (InMemoryLogEntry, error) {
	if index < l.first || index > l.LastIndex() {
		return InMemoryLogEntry{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrIndexOutOfRange, index, l.first, l.LastIndex())
	}
	return l.entries[index-l.first], nil
}

// TermAt returns the term of the entry at index, and false if the index is not held.
// Index 0 always has term 0.
func (l *InMemoryLog) TermAt(index LogIndex) (LogTerm, bool) {
	if index == 0 {
		return 0, true
	}
	e, err := l.Get(index)
	if err != nil {
		return 0, false
	}
	return e.Entry.Term, true
}

// Slice returns a view over entries with from <= index < to, clamped to the window.
func (l *InMemoryLog) Slice(from, to LogIndex) []InMemoryLogEntry {
	if from < l.first {
		from = l.first
	}
	if last := l.LastIndex(); to > last+1 {
		to = last + 1
	}
	if from >= to {
		return nil
	}
	lo, hi := int(from-l.first), int(to-l.first)
	return l.entries[lo:hi:hi]
}

// Iterator iterates over entries with from <= index <= to.
func (l *InMemoryLog) Iterator(from, to LogIndex) LogIterator {
	return &inMemoryIterator{entries: l.Slice(from, to+1)}
}

// persisting strips the in-memory bookkeeping from a view.
func persisting(entries []InMemoryLogEntry) []PersistingLogEntry {
	out := make([]PersistingLogEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Entry
	}
	return out
}
