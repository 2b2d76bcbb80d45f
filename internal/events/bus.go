package events

import (
	"sync"
	"sync/atomic"

	"replicatedlog/internal/replication"
)

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the bus blocks to deliver an event to this subscriber's channel when it is full.
	// This guarantees delivery but stalls every other subscriber behind a slow one.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

type subscriber struct {
	ch         chan replication.Event
	options    SubscriptionOptions
	kinds      map[replication.EventKind]struct{} // empty means every kind
	numDropped atomic.Uint64
}

func (s *subscriber) wants(kind replication.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus fans replicated log events out to subscribers. It implements replication.EventSink,
// so it can be handed to every replicated log of a process.
type Bus struct {
	mu sync.RWMutex
	// Used to wait for the run() goroutine to finish
	wg sync.WaitGroup

	subscribers map[SubscriberID]*subscriber
	nextID      atomic.Uint64

	// queue decouples Emit from delivery; participants emit outside their locks and must
	// not wait for subscribers. It is drained on GracefulShutdown.
	queue        chan replication.Event
	shuttingDown atomic.Bool

	logger replication.Logger
}

// NewBus starts a bus with a queue of the given capacity.
func NewBus(capacity int, logger replication.Logger) *Bus {
	b := &Bus{
		subscribers: make(map[SubscriberID]*subscriber),
		queue:       make(chan replication.Event, capacity),
		logger:      logger,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers ch for the given kinds, or for every kind when none is given. The
// caller owns the channel's buffer size; the bus closes it on Unsubscribe.
func (b *Bus) Subscribe(ch chan replication.Event, opts SubscriptionOptions, kinds ...replication.EventKind) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: ch, options: opts, kinds: make(map[replication.EventKind]struct{}, len(kinds))}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}
	id := SubscriberID(b.nextID.Add(1))
	b.subscribers[id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
		b.logger.Debugf("[EVENTS] Unsubscribed subscriber %d", id)
	}
}

// Dropped returns how many events a non-blocking subscriber missed.
func (b *Bus) Dropped(id SubscriberID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subscribers[id]; ok {
		return sub.numDropped.Load()
	}
	return 0
}

// Emit queues an event for delivery. Events emitted after shutdown began or while the
// queue is full are dropped.
func (b *Bus) Emit(ev replication.Event) {
	// The read lock keeps a shutdown from closing the queue between the check and the send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		b.logger.Debugf("[EVENTS] Dropping %s event for log %d: bus is shutting down", ev.Kind, ev.LogID)
		return
	}
	select {
	case b.queue <- ev:
	default:
		// must not block: run() may be queued for the lock behind a pending Subscribe
		b.logger.Warnf("[EVENTS] Queue full, dropping %s event for log %d", ev.Kind, ev.LogID)
	}
}

// ForceShutdown stops accepting events without waiting for the queue to drain.
func (b *Bus) ForceShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shuttingDown.Swap(true) {
		return
	}
	close(b.queue)
}

// GracefulShutdown stops accepting events and waits until queued ones are delivered.
func (b *Bus) GracefulShutdown() {
	b.mu.Lock()
	if !b.shuttingDown.Swap(true) {
		close(b.queue)
	}
	b.mu.Unlock() // unlock before waiting, run() needs the read lock

	b.wg.Wait()
}

func (b *Bus) run() {
	defer b.wg.Done()

	for ev := range b.queue {
		b.mu.RLock()
		for id, sub := range b.subscribers {
			if !sub.wants(ev.Kind) {
				continue
			}
			if sub.options.IsBlocking {
				sub.ch <- ev
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				dropped := sub.numDropped.Add(1)
				b.logger.Warnf("[EVENTS] Dropped %s event for subscriber %d (channel full). Total dropped: %d",
					ev.Kind, id, dropped)
			}
		}
		b.mu.RUnlock()
	}
}
