package mocks

import (
	"context"
	"fmt"
	"sync"

	"replicatedlog/internal/replication"
)

// MockPersistedLog is a mock implementation of replication.PersistedLog for testing
type MockPersistedLog struct {
	mu      sync.Mutex
	id      replication.LogID
	entries []replication.PersistingLogEntry

	// Error injection for testing
	AppendError   error
	TruncateError error
	IterateError  error

	// Call counters
	AppendCalls   int
	TruncateCalls int

	// hold, when set, blocks appends until it is closed
	hold    chan struct{}
	blocked chan struct{}
}

// NewMockPersistedLog creates a mock log, optionally pre-filled with entries
func NewMockPersistedLog(id replication.LogID, entries ...replication.PersistingLogEntry) *MockPersistedLog {
	return &MockPersistedLog{
		id:      id,
		entries: entries,
		blocked: make(chan struct{}, 16),
	}
}

func (m *MockPersistedLog) LogID() replication.LogID { return m.id }

// SetAppendError changes the injected append error while the log is in use
func (m *MockPersistedLog) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendError = err
}

// HoldAppends makes subsequent appends block until ReleaseAppends is called
func (m *MockPersistedLog) HoldAppends() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = make(chan struct{})
}

// ReleaseAppends unblocks held appends and lets new ones through
func (m *MockPersistedLog) ReleaseAppends() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hold != nil {
		close(m.hold)
		m.hold = nil
	}
}

// Blocked receives a value every time an append starts waiting on a hold
func (m *MockPersistedLog) Blocked() <-chan struct{} {
	return m.blocked
}

func (m *MockPersistedLog) Append(ctx context.Context, entries []replication.PersistingLogEntry, _ bool) error {
	m.mu.Lock()
	m.AppendCalls++
	hold := m.hold
	m.mu.Unlock()

	if hold != nil {
		select {
		case m.blocked <- struct{}{}:
		default:
		}
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendError != nil {
		return m.AppendError
	}
	next := m.lastIndexUnsafe() + 1
	for _, e := range entries {
		if e.Index != next {
			return fmt.Errorf("%w: expected index %d, got %d", replication.ErrNonContiguousAppend, next, e.Index)
		}
		next++
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MockPersistedLog) Iterate(from replication.LogIndex) (replication.LogIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IterateError != nil {
		return nil, m.IterateError
	}
	var out []replication.PersistingLogEntry
	for _, e := range m.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return replication.NewSliceIterator(out), nil
}

func (m *MockPersistedLog) Truncate(_ context.Context, beyond replication.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TruncateCalls++
	if m.TruncateError != nil {
		return m.TruncateError
	}
	keep := len(m.entries)
	for keep > 0 && m.entries[keep-1].Index > beyond {
		keep--
	}
	m.entries = m.entries[:keep:keep]
	return nil
}

func (m *MockPersistedLog) FirstIndex() (replication.LogIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[0].Index, nil
}

func (m *MockPersistedLog) LastIndex() (replication.LogIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndexUnsafe(), nil
}

func (m *MockPersistedLog) lastIndexUnsafe() replication.LogIndex {
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Index
}

func (m *MockPersistedLog) Drop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

// Entries returns a copy of what has been persisted so far
func (m *MockPersistedLog) Entries() []replication.PersistingLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]replication.PersistingLogEntry(nil), m.entries...)
}
