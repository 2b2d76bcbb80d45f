package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"replicatedlog/internal/replication"
)

// MemoryLog is a volatile replication.PersistedLog, used for tests and the in-process demo.
type MemoryLog struct {
	mu      sync.RWMutex
	id      replication.LogID
	entries []replication.PersistingLogEntry
	dropped bool
}

func NewMemoryLog(id replication.LogID) *MemoryLog {
	return &MemoryLog{id: id}
}

func (m *MemoryLog) LogID() replication.LogID { return m.id }

func (m *MemoryLog) lastIndexLocked() replication.LogIndex {
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Index
}

func (m *MemoryLog) Append(ctx context.Context, entries []replication.PersistingLogEntry, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped {
		return replication.ErrLogDropped
	}
	next := m.lastIndexLocked() + 1
	for _, e := range entries {
		if e.Index != next {
			return fmt.Errorf("%w: expected index %d, got %d", replication.ErrNonContiguousAppend, next, e.Index)
		}
		next++
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryLog) Iterate(from replication.LogIndex) (replication.LogIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dropped {
		return nil, replication.ErrLogDropped
	}
	var out []replication.PersistingLogEntry
	for _, e := range m.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return replication.NewSliceIterator(out), nil
}

func (m *MemoryLog) Truncate(ctx context.Context, beyond replication.LogIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped {
		return replication.ErrLogDropped
	}
	keep := len(m.entries)
	for keep > 0 && m.entries[keep-1].Index > beyond {
		keep--
	}
	m.entries = m.entries[:keep:keep]
	return nil
}

func (m *MemoryLog) FirstIndex() (replication.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[0].Index, nil
}

func (m *MemoryLog) LastIndex() (replication.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndexLocked(), nil
}

func (m *MemoryLog) Drop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = true
	m.entries = nil
	return nil
}

// MemoryStore hands out MemoryLogs by id.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[replication.LogID]*MemoryLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[replication.LogID]*MemoryLog)}
}

// OpenLog returns the log with id, creating it if needed. A dropped log is recreated empty.
func (s *MemoryStore) OpenLog(id replication.LogID) (replication.PersistedLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[id]; ok && !l.isDropped() {
		return l, nil
	}
	l := NewMemoryLog(id)
	s.logs[id] = l
	return l, nil
}

// LogIDs returns the ids of the logs that were opened and not dropped, in ascending order.
func (s *MemoryStore) LogIDs() ([]replication.LogID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]replication.LogID, 0, len(s.logs))
	for id, l := range s.logs {
		if !l.isDropped() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryLog) isDropped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}
