package replication

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxBatchEntries bounds the number of entries shipped in one AppendEntries request
	DefaultMaxBatchEntries = 256

	// DefaultMaxUnackedEntries is the backpressure threshold for lastIndex - commitIndex
	DefaultMaxUnackedEntries = 10000

	// DefaultHeartbeatInterval is how long a follower may stay idle before the leader pings it
	DefaultHeartbeatInterval = 100 * time.Millisecond

	// RetryBackoffBase is the base duration for exponential backoff between retries
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff is the maximum backoff duration between retries
	MaxRetryBackoff = 1 * time.Second
)

// LeaderConfig holds the per-term replication settings of a leader.
type LeaderConfig struct {
	// WriteConcern is the number of participants, leader included, that must have persisted
	// an entry before it commits. Zero selects a majority of the participants.
	WriteConcern int

	// WaitForSync asks every participant to force entries to stable storage before acking.
	WaitForSync bool

	// MaxBatchEntries caps the entries per AppendEntries request.
	MaxBatchEntries int

	// MaxUnackedEntries rejects inserts once this many entries are waiting for commit.
	// Zero disables backpressure.
	MaxUnackedEntries int

	// HeartbeatInterval is the idle period after which an empty request is sent.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration

	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
}

// DefaultLeaderConfig returns a majority write concern configuration with heartbeats enabled.
func DefaultLeaderConfig() LeaderConfig {
	return LeaderConfig{
		WriteConcern:      0,
		WaitForSync:       false,
		MaxBatchEntries:   DefaultMaxBatchEntries,
		MaxUnackedEntries: DefaultMaxUnackedEntries,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RetryBaseDelay:    RetryBackoffBase,
		MaxRetryDelay:     MaxRetryBackoff,
	}
}

// Validate checks the configuration against a term with numParticipants participants.
func (c LeaderConfig) Validate(numParticipants int) error {
	if numParticipants < 1 {
		return fmt.Errorf("%w: at least one participant is required", ErrInvalidConfig)
	}
	if c.WriteConcern < 0 {
		return fmt.Errorf("%w: WriteConcern must not be negative", ErrInvalidConfig)
	}
	if c.WriteConcern > numParticipants {
		return fmt.Errorf("%w: WriteConcern %d exceeds %d participants", ErrInvalidConfig, c.WriteConcern, numParticipants)
	}
	if c.MaxBatchEntries <= 0 {
		return fmt.Errorf("%w: MaxBatchEntries must be positive", ErrInvalidConfig)
	}
	if c.MaxUnackedEntries < 0 {
		return fmt.Errorf("%w: MaxUnackedEntries must not be negative", ErrInvalidConfig)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: HeartbeatInterval must not be negative", ErrInvalidConfig)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: RetryBaseDelay must be positive", ErrInvalidConfig)
	}
	if c.MaxRetryDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: MaxRetryDelay must be at least RetryBaseDelay", ErrInvalidConfig)
	}
	return nil
}

// effectiveWriteConcern resolves the zero value to a majority.
func (c LeaderConfig) effectiveWriteConcern(numParticipants int) int {
	if c.WriteConcern == 0 {
		return numParticipants/2 + 1
	}
	return c.WriteConcern
}

// retryDelay is the exponential backoff after errorsInRow consecutive failures.
func (c LeaderConfig) retryDelay(errorsInRow int) time.Duration {
	delay := c.RetryBaseDelay
	for i := 1; i < errorsInRow && delay < c.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxRetryDelay {
		delay = c.MaxRetryDelay
	}
	return delay
}
