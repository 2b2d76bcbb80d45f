package statemachine

import (
	"strings"
	"sync"

	"replicatedlog/internal/replication"
)

// KVStateMachine is a simple key-value store that implements the StateMachine interface
type KVStateMachine struct {
	mu     sync.RWMutex
	store  map[string]string
	id     replication.ParticipantID // for logging
	logger replication.Logger
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(id replication.ParticipantID, logger replication.Logger) *KVStateMachine {
	return &KVStateMachine{
		store:  make(map[string]string),
		id:     id,
		logger: logger,
	}
}

// Apply applies log entries to the state machine.
// Payloads are expected to be in the format: "SET key=value" or "DEL key"
func (kv *KVStateMachine) Apply(entries []replication.PersistingLogEntry) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, entry := range entries {
		command := string(entry.Payload)
		parts := strings.Fields(command)
		if len(parts) == 0 {
			continue
		}

		switch strings.ToUpper(parts[0]) {
		case "SET":
			if len(parts) < 2 {
				continue
			}
			key, value, ok := strings.Cut(parts[1], "=")
			if !ok {
				continue
			}
			kv.store[key] = value
			kv.logger.Debugf("[KV-SM-%s] Applied SET: %s=%s (index=%d)", kv.id, key, value, entry.Index)
		case "DEL":
			if len(parts) < 2 {
				continue
			}
			delete(kv.store, parts[1])
			kv.logger.Debugf("[KV-SM-%s] Applied DEL: %s (index=%d)", kv.id, parts[1], entry.Index)
		default:
			kv.logger.Warnf("[KV-SM-%s] Unknown command: %s (index=%d)", kv.id, command, entry.Index)
		}
	}
}

// Get returns the value of key
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// Len returns the number of keys
func (kv *KVStateMachine) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}
