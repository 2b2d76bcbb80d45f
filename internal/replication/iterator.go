package replication

// LogIterator yields entries in index order. It is finite and single-use.
type LogIterator interface {
	// Next returns the next entry, or false once the iterator is exhausted.
	Next() (PersistingLogEntry, bool)
}

type sliceIterator struct {
	entries []PersistingLogEntry
	pos     int
}

// NewSliceIterator iterates over entries without copying them.
func NewSliceIterator(entries []PersistingLogEntry) LogIterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) Next() (PersistingLogEntry, bool) {
	if it.pos >= len(it.entries) {
		return PersistingLogEntry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

type inMemoryIterator struct {
	entries []InMemoryLogEntry
	pos     int
}

func (it *inMemoryIterator) Next() (PersistingLogEntry, bool) {
	if it.pos >= len(it.entries) {
		return PersistingLogEntry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e.Entry, true
}

// Collect drains an iterator into a slice.
func Collect(it LogIterator) []PersistingLogEntry {
	var entries []PersistingLogEntry
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		entries = append(entries, e)
	}
	return entries
}
