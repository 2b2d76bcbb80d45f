package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of replication.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                     sync.RWMutex
	InsertCount            int
	CommandsCommittedCount int
	CommitLatencies        []time.Duration
	AppendEntriesCount     int
	HeartbeatCount         int
	RequestLatencies       []time.Duration
	Rejections             map[string]int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{Rejections: make(map[string]int)}
}

func (m *MockMetricsCollector) RecordInsert() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCount++
}

func (m *MockMetricsCollector) RecordCommandCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsCommittedCount++
}

func (m *MockMetricsCollector) RecordCommitLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitLatencies = append(m.CommitLatencies, latency)
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordRequestLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestLatencies = append(m.RequestLatencies, latency)
}

func (m *MockMetricsCollector) RecordRejection(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejections[reason]++
}

// Committed returns the number of committed commands recorded so far
func (m *MockMetricsCollector) Committed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CommandsCommittedCount
}

// RejectionCount returns how often reason was recorded
func (m *MockMetricsCollector) RejectionCount(reason string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Rejections[reason]
}

// Heartbeats returns the number of empty AppendEntries requests recorded so far
func (m *MockMetricsCollector) Heartbeats() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.HeartbeatCount
}
