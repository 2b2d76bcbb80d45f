package replication

import (
	"context"
	"fmt"
	"sync"
)

// PersistedLog is the durable store behind one replicated log.
type PersistedLog interface {
	LogID() LogID

	// Append durably appends entries whose indices continue the current tail.
	// It fails with ErrNonContiguousAppend otherwise. A failed append leaves no partial entries.
	Append(ctx context.Context, entries []PersistingLogEntry, waitForSync bool) error

	// Iterate yields the stored entries with index >= from.
	Iterate(from LogIndex) (LogIterator, error)

	// Truncate removes every entry with index > beyond. Truncating twice is harmless.
	Truncate(ctx context.Context, beyond LogIndex) error

	// FirstIndex and LastIndex return 0 on an empty log.
	FirstIndex() (LogIndex, error)
	LastIndex() (LogIndex, error)

	// Drop deletes the log and all its entries.
	Drop() error
}

// LogCore is the exclusive handle to a persisted log. Exactly one participant owns it at
// a time; it moves between participants through Resign.
type LogCore struct {
	// opMu serializes persistence operations
	opMu sync.Mutex
	log  PersistedLog
}

func NewLogCore(log PersistedLog) *LogCore {
	return &LogCore{log: log}
}

func (c *LogCore) LogID() LogID {
	return c.log.LogID()
}

// Append forwards to the persisted log. Empty batches are a no-op.
func (c *LogCore) Append(ctx context.Context, entries []PersistingLogEntry, waitForSync bool) error {
	if len(entries) == 0 {
		return nil
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.log.Append(ctx, entries, waitForSync); err != nil {
		return fmt.Errorf("append [%d, %d] to log %d: %w",
			entries[0].Index, entries[len(entries)-1].Index, c.log.LogID(), err)
	}
	return nil
}

func (c *LogCore) Truncate(ctx context.Context, beyond LogIndex) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.log.Truncate(ctx, beyond); err != nil {
		return fmt.Errorf("truncate log %d beyond %d: %w", c.log.LogID(), beyond, err)
	}
	return nil
}

func (c *LogCore) Iterate(from LogIndex) (LogIterator, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.log.Iterate(from)
}

// Drop removes the persisted log. The core must not be used afterwards.
func (c *LogCore) Drop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.log.Drop()
}

// loadInMemoryLog reads the whole persisted log into a fresh in-memory window.
func (c *LogCore) loadInMemoryLog() (*InMemoryLog, error) {
	it, err := c.Iterate(0)
	if err != nil {
		return nil, fmt.Errorf("read log %d: %w", c.LogID(), err)
	}
	log, err := LoadInMemoryLog(it)
	if err != nil {
		return nil, fmt.Errorf("load log %d: %w", c.LogID(), err)
	}
	return log, nil
}
